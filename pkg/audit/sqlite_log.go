package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is the SQL-backed audit sink for deployments that already
// run the manifest on SQLite. Append-only: the table has no UPDATE or
// DELETE path in this package.
type SQLiteLog struct {
	mu       sync.Mutex
	db       *sql.DB
	sequence uint64
	head     string
	clock    func() time.Time
}

// NewSQLiteLog wraps an opened database handle, runs migrations, and
// recovers the chain head from the last stored record.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db, head: genesisHash, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		sequence INTEGER PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		project_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		payload JSON NOT NULL,
		previous_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_records_project
		ON audit_records(project_id, sequence);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLog) recover() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT sequence, record_hash FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); err {
	case nil:
		l.sequence = seq
		l.head = head
	case sql.ErrNoRows:
		// Fresh log.
	default:
		return fmt.Errorf("audit: recover chain head: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, projectID string, recordType RecordType, payload any) (*Record, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		ProjectID:    projectID,
		Type:         recordType,
		Payload:      payloadBytes,
		PreviousHash: l.head,
	}
	rec.RecordHash = hashRecord(&rec)

	_, err = l.db.ExecContext(ctx, `INSERT INTO audit_records (
		sequence, timestamp, project_id, record_type, payload, previous_hash, record_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.Timestamp.Format(time.RFC3339Nano), rec.ProjectID,
		string(rec.Type), string(rec.Payload), rec.PreviousHash, rec.RecordHash)
	if err != nil {
		return nil, fmt.Errorf("audit: insert record: %w", err)
	}

	l.sequence = rec.Sequence
	l.head = rec.RecordHash
	return &rec, nil
}

// ReadAll replays every record in sequence order.
func (l *SQLiteLog) ReadAll(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, timestamp, project_id, record_type, payload, previous_hash, record_hash
		FROM audit_records ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			ts      string
			rtype   string
			payload string
		)
		if err := rows.Scan(&rec.Sequence, &ts, &rec.ProjectID, &rtype, &payload, &rec.PreviousHash, &rec.RecordHash); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		rec.Type = RecordType(rtype)
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}
