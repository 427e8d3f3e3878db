package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock() func() time.Time {
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestFileLogAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenFileLogWithClock(path, testClock())
	require.NoError(t, err)
	defer func() { _ = log.Close() }()

	ctx := context.Background()
	first, err := log.Append(ctx, "proj", TypeDeclaration, map[string]any{"artifact_id": "a-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "genesis", first.PreviousHash)
	assert.NotEmpty(t, first.RecordHash)

	second, err := log.Append(ctx, "proj", TypeTransition, map[string]any{"from": "ACTIVE", "to": "BLOCKED"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.RecordHash, second.PreviousHash)

	records, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NoError(t, VerifyChain(records))
}

func TestFileLogReplayRecoversChainHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := OpenFileLogWithClock(path, testClock())
	require.NoError(t, err)
	_, err = log.Append(context.Background(), "proj", TypeExecution, map[string]any{"id": 1})
	require.NoError(t, err)
	last, err := log.Append(context.Background(), "proj", TypeExecution, map[string]any{"id": 2})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Re-open: the sequence continues and the chain stays linked.
	reopened, err := OpenFileLogWithClock(path, testClock())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, uint64(2), reopened.Sequence())

	third, err := reopened.Append(context.Background(), "proj", TypeExecution, map[string]any{"id": 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)
	assert.Equal(t, last.RecordHash, third.PreviousHash)

	records, err := reopened.ReadAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, VerifyChain(records))
}

func TestFileLogClosedAppendFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = log.Append(context.Background(), "proj", TypeExecution, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenFileLogWithClock(path, testClock())
	require.NoError(t, err)
	defer func() { _ = log.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, "proj", TypeExecution, map[string]any{"id": i})
		require.NoError(t, err)
	}
	records, err := log.ReadAll(ctx)
	require.NoError(t, err)

	t.Run("payload edit", func(t *testing.T) {
		tampered := append([]Record{}, records...)
		tampered[1].Payload = []byte(`{"id":99}`)
		assert.ErrorIs(t, VerifyChain(tampered), ErrChainBroken)
	})

	t.Run("dropped record", func(t *testing.T) {
		tampered := []Record{records[0], records[2]}
		assert.ErrorIs(t, VerifyChain(tampered), ErrChainBroken)
	})

	t.Run("relinked hash", func(t *testing.T) {
		tampered := append([]Record{}, records...)
		tampered[2].PreviousHash = records[0].RecordHash
		assert.ErrorIs(t, VerifyChain(tampered), ErrChainBroken)
	})
}

func TestOpenFileLogRefusesCorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenFileLog(path)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), "proj", TypeExecution, map[string]any{"id": 1})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Edit the payload in place: replay must detect the mismatch.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.Payload = []byte(`{"id":2}`)
	edited, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(edited, '\n'), 0o600))

	_, err = OpenFileLog(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestSQLiteLogAppendErrorPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT sequence, record_hash FROM audit_records").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "record_hash"}))

	log, err := NewSQLiteLog(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(assert.AnError)

	_, err = log.Append(context.Background(), "proj", TypeExecution, map[string]any{"id": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert record")

	// A failed insert must not advance the in-memory chain head.
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	rec, err := log.Append(context.Background(), "proj", TypeExecution, map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, "genesis", rec.PreviousHash)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteLogRecoversChainHead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT sequence, record_hash FROM audit_records").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "record_hash"}).
			AddRow(7, "sha256:abc"))

	log, err := NewSQLiteLog(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(8, 1))
	rec, err := log.Append(context.Background(), "proj", TypeExecution, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), rec.Sequence)
	assert.Equal(t, "sha256:abc", rec.PreviousHash)

	require.NoError(t, mock.ExpectationsWereMet())
}
