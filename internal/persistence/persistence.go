// Package persistence implements the narrow persistence port consumed
// by the record-heavy services layered on top of this core, plus an
// in-memory reference adapter exercised by tests. The interface shape
// is deliberately storage-engine-agnostic.
package persistence

import (
	"sort"
	"sync"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// Record is any typed row the port stores: community, channel, member,
// message, etc. ID is the primary key; Timestamp drives pagination
// ordering and audit ordering.
type Record struct {
	Table     string
	ID        string
	Timestamp int64
	Data      map[string]interface{}
}

// AuditEntry is one append-only audit-log row.
type AuditEntry struct {
	Timestamp int64
	Operation string
	Detail    map[string]interface{}
}

// Port is the storage-engine-agnostic persistence contract.
type Port interface {
	// Get fetches one record by table and primary key.
	Get(table, id string) (Record, error)
	// Put inserts or overwrites a record.
	Put(record Record) error
	// Delete removes a record by primary key; deleting a missing key is
	// not an error.
	Delete(table, id string) error
	// List returns up to limit records from table ordered by timestamp
	// descending, optionally only those strictly before beforeTimestamp.
	List(table string, limit int, beforeTimestamp *int64) ([]Record, error)
	// InsertIfNotExists performs a conditional insert for idempotent
	// receive paths; it reports whether the insert actually happened.
	InsertIfNotExists(record Record) (inserted bool, err error)
	// AppendAudit appends one audit-log row.
	AppendAudit(entry AuditEntry) error
	// AtomicUpdate runs fn with exclusive access to the port, so a
	// caller can perform a multi-record read-modify-write (e.g. join
	// community: insert member + assign role + append audit) as one
	// logical operation.
	AtomicUpdate(fn func(tx Port) error) error
}

// MemoryPort is an in-memory Port used by tests and by any build that
// has no durable backend wired in yet.
type MemoryPort struct {
	mu      sync.Mutex
	tables  map[string]map[string]Record
	audit   []AuditEntry
}

// NewMemoryPort creates an empty in-memory port.
func NewMemoryPort() *MemoryPort {
	return &MemoryPort{tables: make(map[string]map[string]Record)}
}

func (m *MemoryPort) Get(table, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return Record{}, umbraerr.ErrNotFound
	}
	rec, ok := rows[id]
	if !ok {
		return Record{}, umbraerr.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryPort) Put(record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(record)
}

func (m *MemoryPort) putLocked(record Record) error {
	rows, ok := m.tables[record.Table]
	if !ok {
		rows = make(map[string]Record)
		m.tables[record.Table] = rows
	}
	rows[record.ID] = record
	return nil
}

func (m *MemoryPort) Delete(table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rows, ok := m.tables[table]; ok {
		delete(rows, id)
	}
	return nil
}

func (m *MemoryPort) List(table string, limit int, beforeTimestamp *int64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, nil
	}
	out := make([]Record, 0, len(rows))
	for _, rec := range rows {
		if beforeTimestamp != nil && rec.Timestamp >= *beforeTimestamp {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryPort) InsertIfNotExists(record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[record.Table]
	if ok {
		if _, exists := rows[record.ID]; exists {
			return false, nil
		}
	}
	return true, m.putLocked(record)
}

func (m *MemoryPort) AppendAudit(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// AuditLog returns a snapshot of every appended audit entry, for tests.
func (m *MemoryPort) AuditLog() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

// AtomicUpdate holds the port's single mutex for the duration of fn. If
// fn returns an error, every record and audit write it made is rolled
// back before the error is returned.
func (m *MemoryPort) AtomicUpdate(fn func(tx Port) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[string]map[string]Record, len(m.tables))
	for table, rows := range m.tables {
		copied := make(map[string]Record, len(rows))
		for id, rec := range rows {
			copied[id] = rec
		}
		saved[table] = copied
	}
	auditLen := len(m.audit)
	if err := fn(&lockedTx{port: m}); err != nil {
		m.tables = saved
		m.audit = m.audit[:auditLen]
		return err
	}
	return nil
}

// lockedTx is the Port view handed to AtomicUpdate's callback: identical
// operations, but they must not try to re-acquire m.mu (the outer call
// already holds it).
type lockedTx struct {
	port *MemoryPort
}

func (t *lockedTx) Get(table, id string) (Record, error) {
	rows, ok := t.port.tables[table]
	if !ok {
		return Record{}, umbraerr.ErrNotFound
	}
	rec, ok := rows[id]
	if !ok {
		return Record{}, umbraerr.ErrNotFound
	}
	return rec, nil
}

func (t *lockedTx) Put(record Record) error {
	return t.port.putLocked(record)
}

func (t *lockedTx) Delete(table, id string) error {
	if rows, ok := t.port.tables[table]; ok {
		delete(rows, id)
	}
	return nil
}

func (t *lockedTx) List(table string, limit int, beforeTimestamp *int64) ([]Record, error) {
	rows, ok := t.port.tables[table]
	if !ok {
		return nil, nil
	}
	out := make([]Record, 0, len(rows))
	for _, rec := range rows {
		if beforeTimestamp != nil && rec.Timestamp >= *beforeTimestamp {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *lockedTx) InsertIfNotExists(record Record) (bool, error) {
	rows, ok := t.port.tables[record.Table]
	if ok {
		if _, exists := rows[record.ID]; exists {
			return false, nil
		}
	}
	return true, t.port.putLocked(record)
}

func (t *lockedTx) AppendAudit(entry AuditEntry) error {
	t.port.audit = append(t.port.audit, entry)
	return nil
}

func (t *lockedTx) AtomicUpdate(fn func(tx Port) error) error {
	return fn(t)
}
