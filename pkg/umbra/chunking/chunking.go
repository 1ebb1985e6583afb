// Package chunking implements content-addressed file chunking and
// reassembly: fixed-size windows, per-chunk and whole-file SHA-256
// integrity checks, and a JSON-round-trippable manifest. Chunk ids are
// the lowercase hex hash of the chunk bytes, so identical files always
// produce identical manifests.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// DefaultChunkSize is used when callers don't need a specific size.
const DefaultChunkSize = 256 * 1024

// ChunkRef is one entry of a ChunkManifest's ordered chunk list.
type ChunkRef struct {
	ChunkID    string `json:"chunk_id"`
	ChunkIndex uint32 `json:"chunk_index"`
	Size       uint32 `json:"size"`
	Hash       string `json:"hash"`
}

// ChunkManifest is the content-addressed description of a file's
// chunks, round-trippable as JSON.
type ChunkManifest struct {
	FileID      string     `json:"file_id"`
	Filename    string     `json:"filename"`
	TotalSize   uint64     `json:"total_size"`
	ChunkSize   uint32     `json:"chunk_size"`
	TotalChunks uint32     `json:"total_chunks"`
	Chunks      []ChunkRef `json:"chunks"`
	FileHash    string     `json:"file_hash"`
}

// FileChunk is one chunk's bytes plus enough identity to place it
// back into its file.
type FileChunk struct {
	ChunkID     string `json:"chunk_id"`
	ChunkIndex  uint32 `json:"chunk_index"`
	TotalChunks uint32 `json:"total_chunks"`
	Data        []byte `json:"data"`
	FileID      string `json:"file_id"`
}

// ChunkFile splits data into chunkSize-sized pieces (the last one may be
// shorter) and returns the manifest alongside the ordered chunks. Two
// calls with byte-identical data and chunkSize yield an identical
// file_hash and an identical ordered chunk_id list.
func ChunkFile(fileID, filename string, data []byte, chunkSize uint32) (ChunkManifest, []FileChunk, error) {
	if chunkSize == 0 {
		return ChunkManifest{}, nil, fmt.Errorf("%w: chunk_size must be > 0", umbraerr.ErrInvalidMessageContent)
	}

	fileHash := hexSum(data)
	total := uint32(0)
	if len(data) > 0 {
		total = uint32((len(data) + int(chunkSize) - 1) / int(chunkSize))
	}

	refs := make([]ChunkRef, 0, total)
	chunks := make([]FileChunk, 0, total)
	for i := uint32(0); i < total; i++ {
		start := int(i) * int(chunkSize)
		end := start + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		piece := append([]byte(nil), data[start:end]...)
		hash := hexSum(piece)
		refs = append(refs, ChunkRef{
			ChunkID:    hash,
			ChunkIndex: i,
			Size:       uint32(len(piece)),
			Hash:       hash,
		})
		chunks = append(chunks, FileChunk{
			ChunkID:     hash,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        piece,
			FileID:      fileID,
		})
	}

	manifest := ChunkManifest{
		FileID:      fileID,
		Filename:    filename,
		TotalSize:   uint64(len(data)),
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Chunks:      refs,
		FileHash:    fileHash,
	}
	return manifest, chunks, nil
}

// ReassembleFile verifies every chunk is present, contiguous, and hash-
// matches the manifest, then verifies the reassembled whole-file hash.
// Chunks may arrive out of order; they are sorted by index before
// verification. Errors name which chunk or which overall check failed.
func ReassembleFile(manifest ChunkManifest, chunks []FileChunk) ([]byte, error) {
	if len(chunks) != int(manifest.TotalChunks) {
		return nil, fmt.Errorf("%w: expected %d chunks, got %d", umbraerr.ErrCorrupted, manifest.TotalChunks, len(chunks))
	}

	ordered := make([]FileChunk, len(chunks))
	seen := make([]bool, len(chunks))
	for _, c := range chunks {
		if c.ChunkIndex >= uint32(len(chunks)) {
			return nil, fmt.Errorf("%w: chunk index %d out of range", umbraerr.ErrCorrupted, c.ChunkIndex)
		}
		if seen[c.ChunkIndex] {
			return nil, fmt.Errorf("%w: duplicate chunk index %d", umbraerr.ErrCorrupted, c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true
		ordered[c.ChunkIndex] = c
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: missing chunk index %d", umbraerr.ErrCorrupted, i)
		}
	}

	out := make([]byte, 0, manifest.TotalSize)
	for i, c := range ordered {
		ref := manifest.Chunks[i]
		if hexSum(c.Data) != ref.Hash {
			return nil, fmt.Errorf("%w: chunk %d hash mismatch", umbraerr.ErrCorrupted, i)
		}
		out = append(out, c.Data...)
	}

	if uint64(len(out)) != manifest.TotalSize {
		return nil, fmt.Errorf("%w: reassembled size %d does not match manifest size %d", umbraerr.ErrCorrupted, len(out), manifest.TotalSize)
	}
	if hexSum(out) != manifest.FileHash {
		return nil, fmt.Errorf("%w: whole-file hash mismatch", umbraerr.ErrCorrupted)
	}
	return out, nil
}

func hexSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
