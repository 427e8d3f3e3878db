// Package audit implements the append-only governance audit log: one
// JSON record per governance transition or sandbox execution, hash
// chained so that tampering with history is detectable. The JSONL file
// is the durable system of record for compliance review.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrChainBroken = errors.New("audit hash chain is broken")
	ErrClosed      = errors.New("audit log is closed")
)

// RecordType categorizes audit records.
type RecordType string

const (
	TypeDeclaration   RecordType = "DECLARATION"
	TypeTransition    RecordType = "STATE_TRANSITION"
	TypeResolution    RecordType = "CONFLICT_RESOLUTION"
	TypeValidation    RecordType = "VALIDATION"
	TypeExecution     RecordType = "EXECUTION"
	TypeSecurityEvent RecordType = "SECURITY_EVENT"
)

// Record is one immutable audit entry. Once written it is never
// mutated; corrections are new records referencing the original.
type Record struct {
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	ProjectID    string          `json:"project_id"`
	Type         RecordType      `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	RecordHash   string          `json:"record_hash"`
}

// Log is the append-only sink for audit records.
type Log interface {
	// Append serializes payload and durably writes one record,
	// assigning the next global sequence number and chaining the hash.
	Append(ctx context.Context, projectID string, recordType RecordType, payload any) (*Record, error)
}

// Reader is implemented by sinks that can replay their records.
type Reader interface {
	ReadAll(ctx context.Context) ([]Record, error)
}

const genesisHash = "genesis"

func hashRecord(r *Record) string {
	hashable := struct {
		Sequence     uint64     `json:"sequence"`
		Timestamp    time.Time  `json:"timestamp"`
		ProjectID    string     `json:"project_id"`
		Type         RecordType `json:"type"`
		PayloadHash  string     `json:"payload_hash"`
		PreviousHash string     `json:"previous_hash"`
	}{r.Sequence, r.Timestamp, r.ProjectID, r.Type, sumHex(r.Payload), r.PreviousHash}

	data, _ := json.Marshal(hashable)
	return sumHex(data)
}

func sumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyChain checks sequence continuity and hash linkage over a full
// replay of the log.
func VerifyChain(records []Record) error {
	expectedPrev := genesisHash
	for i, r := range records {
		if r.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: record %d has sequence %d, expected %d", ErrChainBroken, i, r.Sequence, i+1)
		}
		if r.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: record %d has previous_hash %s, expected %s", ErrChainBroken, i, r.PreviousHash, expectedPrev)
		}
		if computed := hashRecord(&r); computed != r.RecordHash {
			return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)", ErrChainBroken, i, computed, r.RecordHash)
		}
		expectedPrev = r.RecordHash
	}
	return nil
}
