package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLog appends records to a JSON Lines file, one record per line.
// The file is opened in append mode and never rewritten in place.
type FileLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	sequence uint64
	head     string
	clock    func() time.Time
	closed   bool
}

// OpenFileLog opens (or creates) a JSONL audit file and replays it to
// recover the current sequence number and chain head.
func OpenFileLog(path string) (*FileLog, error) {
	return OpenFileLogWithClock(path, time.Now)
}

// OpenFileLogWithClock allows clock injection for tests.
func OpenFileLogWithClock(path string, clock func() time.Time) (*FileLog, error) {
	l := &FileLog{path: path, head: genesisHash, clock: clock}

	existing, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(existing); err != nil {
		return nil, fmt.Errorf("audit: refusing to append to corrupt log %s: %w", path, err)
	}
	if n := len(existing); n > 0 {
		l.sequence = existing[n-1].Sequence
		l.head = existing[n-1].RecordHash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

func (l *FileLog) Append(ctx context.Context, projectID string, recordType RecordType, payload any) (*Record, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	rec := Record{
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		ProjectID:    projectID,
		Type:         recordType,
		Payload:      payloadBytes,
		PreviousHash: l.head,
	}
	rec.RecordHash = hashRecord(&rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("audit: write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return nil, fmt.Errorf("audit: sync: %w", err)
	}

	l.sequence = rec.Sequence
	l.head = rec.RecordHash
	return &rec, nil
}

// ReadAll replays every record from the file in write order.
func (l *FileLog) ReadAll(ctx context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readRecords(l.path)
}

// Sequence returns the last assigned sequence number.
func (l *FileLog) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Close releases the underlying file handle. Further appends fail with
// ErrClosed.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("audit: malformed record at line %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	return records, nil
}
