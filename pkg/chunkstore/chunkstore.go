// Package chunkstore persists the raw audio log: one object per
// (session, stream role, seq) chunk, plus named blobs for finalize
// artifacts such as result.json.
//
// The chunk log is append-only and idempotent. Gaps are tolerated: a
// missing seq is reported by Range and filled with silence by AssembleWAV,
// so reconstructed audio keeps a stable wall-clock duration of
// last_seq seconds.
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/pcm"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/storage"
)

// Sentinel errors.
var (
	// ErrConflictingContent is returned by Put when the same
	// (session, role, seq) key already holds different bytes.
	ErrConflictingContent = errors.New("chunkstore: conflicting content for existing chunk")

	// ErrNotFound is returned when a chunk or blob does not exist.
	ErrNotFound = errors.New("chunkstore: not found")
)

// Chunk is one second of audio with its position in the stream.
type Chunk struct {
	Seq  int
	Data []byte
}

// Store is the chunk store. It is safe for concurrent use; each
// (session, role, seq) key is its own concurrency unit.
type Store struct {
	files storage.FileStore
}

// New creates a Store over the given file backend.
func New(files storage.FileStore) *Store {
	return &Store{files: files}
}

func chunkPath(session, role string, seq int) string {
	return fmt.Sprintf("sessions/%s/chunks/%s/%010d.pcm", session, role, seq)
}

func chunkPrefix(session, role string) string {
	return fmt.Sprintf("sessions/%s/chunks/%s", session, role)
}

// Put stores a chunk. It is idempotent on (session, role, seq): rewriting
// identical bytes succeeds, rewriting different bytes fails with
// ErrConflictingContent.
func (s *Store) Put(ctx context.Context, session, role string, seq int, data []byte) error {
	if seq < 1 {
		return fmt.Errorf("chunkstore: seq must be >= 1, got %d", seq)
	}
	p := chunkPath(session, role, seq)
	existing, err := s.readAll(ctx, p)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s seq=%d", ErrConflictingContent, role, seq)
	case errors.Is(err, os.ErrNotExist):
		// first write
	default:
		return err
	}

	w, err := s.files.Write(ctx, p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Get returns the bytes of a single chunk.
func (s *Store) Get(ctx context.Context, session, role string, seq int) ([]byte, error) {
	data, err := s.readAll(ctx, chunkPath(session, role, seq))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s seq=%d", ErrNotFound, role, seq)
	}
	return data, err
}

// Range returns the chunks with fromSeq <= seq <= toSeq in seq order,
// plus the list of seqs missing from that window. Missing chunks are not
// an error.
func (s *Store) Range(ctx context.Context, session, role string, fromSeq, toSeq int) ([]Chunk, []int, error) {
	present, err := s.seqs(ctx, session, role)
	if err != nil {
		return nil, nil, err
	}
	var chunks []Chunk
	var missing []int
	for seq := fromSeq; seq <= toSeq; seq++ {
		if !present[seq] {
			missing = append(missing, seq)
			continue
		}
		data, err := s.Get(ctx, session, role, seq)
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, Chunk{Seq: seq, Data: data})
	}
	return chunks, missing, nil
}

// MaxSeq returns the highest stored seq for the stream, or 0 when the
// stream has no chunks.
func (s *Store) MaxSeq(ctx context.Context, session, role string) (int, error) {
	present, err := s.seqs(ctx, session, role)
	if err != nil {
		return 0, err
	}
	max := 0
	for seq := range present {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// AssembleWAV writes the stream as a playable WAV file: a 44-byte header
// for 16 kHz mono PCM16 followed by all chunks in seq order, with every
// gap replaced by one second of silence. Total duration is exactly
// maxSeq seconds.
func (s *Store) AssembleWAV(ctx context.Context, session, role string, w io.Writer) error {
	maxSeq, err := s.MaxSeq(ctx, session, role)
	if err != nil {
		return err
	}
	if err := pcm.WriteWAVHeader(w, maxSeq*pcm.BytesPerSecond); err != nil {
		return err
	}
	for seq := 1; seq <= maxSeq; seq++ {
		data, err := s.Get(ctx, session, role, seq)
		if errors.Is(err, ErrNotFound) {
			data = pcm.Silence(1)
		} else if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// PutBlob stores a named artifact (e.g. result.json) under the session.
func (s *Store) PutBlob(ctx context.Context, session, name string, data []byte) error {
	w, err := s.files.Write(ctx, path.Join("sessions", session, name))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// GetBlob reads a named artifact stored with PutBlob.
func (s *Store) GetBlob(ctx context.Context, session, name string) ([]byte, error) {
	data, err := s.readAll(ctx, path.Join("sessions", session, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, name)
	}
	return data, err
}

// BlobExists reports whether a named artifact exists.
func (s *Store) BlobExists(ctx context.Context, session, name string) (bool, error) {
	return s.files.Exists(ctx, path.Join("sessions", session, name))
}

func (s *Store) readAll(ctx context.Context, p string) ([]byte, error) {
	r, err := s.files.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// seqs lists the stored seq numbers for a stream.
func (s *Store) seqs(ctx context.Context, session, role string) (map[int]bool, error) {
	paths, err := s.files.List(ctx, chunkPrefix(session, role))
	if err != nil {
		return nil, err
	}
	present := make(map[int]bool, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(path.Base(p), ".pcm")
		seq, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		present[seq] = true
	}
	return present, nil
}
