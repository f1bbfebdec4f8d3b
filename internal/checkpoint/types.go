// Package checkpoint persists conversation state snapshots keyed by
// thread id. Each completed turn appends a new version; the latest
// version is what the next turn resumes from.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// KeepVersions is how many versions each thread retains. Older versions
// are discarded on Append.
const KeepVersions = 10

// Checkpoint is one versioned snapshot of a thread's state.
type Checkpoint struct {
	ID           uuid.UUID       `json:"id"`
	ThreadID     string          `json:"thread_id"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	MessageCount int             `json:"message_count"`
	ByteSize     int64           `json:"byte_size"` // Stored size (compressed where the backend compresses)
	Data         json.RawMessage `json:"data,omitempty"`
}

// Thread summarizes the latest checkpoint of one thread.
type Thread struct {
	ID           string    `json:"id"`
	Version      int       `json:"version"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is a thread-state persistence backend. Implementations are safe
// for concurrent use; concurrent writes to the same thread are
// last-writer-wins.
type Store interface {
	// Append stores data as the thread's next version. The returned
	// checkpoint carries no Data.
	Append(ctx context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error)
	// Put overwrites the thread's latest version in place, creating
	// version 1 if the thread is new. The returned checkpoint carries
	// no Data.
	Put(ctx context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error)
	// Latest returns the newest checkpoint, or ErrNotFound.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// Threads lists threads, most recently updated first. A limit of
	// zero or less returns every thread.
	Threads(ctx context.Context, limit int) ([]Thread, error)
	// Delete removes every version of a thread, or returns ErrNotFound.
	Delete(ctx context.Context, threadID string) error
	// Prune removes threads not updated within olderThan and reports how
	// many were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// record is the serialized form used by the key-value backends.
type record struct {
	ID           uuid.UUID `json:"id"`
	ThreadID     string    `json:"thread_id"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	StateGz      []byte    `json:"state_gz"`
}

func newRecord(threadID string, version int, data []byte, messageCount int) (*record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	gz, err := compress(data)
	if err != nil {
		return nil, err
	}
	return &record{
		ID:           id,
		ThreadID:     threadID,
		Version:      version,
		CreatedAt:    time.Now().UTC(),
		MessageCount: messageCount,
		StateGz:      gz,
	}, nil
}

// checkpoint decodes r; withData controls whether the state is inflated.
func (r *record) checkpoint(withData bool) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:           r.ID,
		ThreadID:     r.ThreadID,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		MessageCount: r.MessageCount,
		ByteSize:     int64(len(r.StateGz)),
	}
	if withData {
		data, err := decompress(r.StateGz)
		if err != nil {
			return nil, err
		}
		cp.Data = data
	}
	return cp, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
