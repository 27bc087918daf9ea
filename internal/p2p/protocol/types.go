package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/execution-hub/agent-studio/internal/domain/studio"
)

// Operation defines supported replicated writes.
type Operation string

const (
	OpChangeAppend Operation = "CHANGE_APPEND"
	OpSnapshotSave Operation = "SNAPSHOT_SAVE"
)

var validOps = map[Operation]struct{}{
	OpChangeAppend: {},
	OpSnapshotSave: {},
}

// Entry is the sealed, replicated command envelope.
type Entry struct {
	EntryID   string          `json:"entry_id"`
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id"`
	Timestamp time.Time       `json:"timestamp"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	Digest    string          `json:"digest"` // hex blake3 of CanonicalBytes
}

type entrySealable struct {
	EntryID   string          `json:"entry_id"`
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id"`
	Timestamp time.Time       `json:"timestamp"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEntry encodes payload and seals the envelope.
func NewEntry(op Operation, entryID, sessionID, nodeID string, payload any, at time.Time) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode payload: %w", err)
	}
	e := Entry{
		EntryID:   entryID,
		SessionID: sessionID,
		NodeID:    nodeID,
		Timestamp: at.UTC(),
		Op:        op,
		Payload:   raw,
	}
	if err := e.Seal(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// CanonicalBytes returns the deterministic digest input.
func (e Entry) CanonicalBytes() ([]byte, error) {
	return json.Marshal(entrySealable{
		EntryID:   strings.TrimSpace(e.EntryID),
		SessionID: strings.TrimSpace(e.SessionID),
		NodeID:    strings.TrimSpace(e.NodeID),
		Timestamp: e.Timestamp.UTC(),
		Op:        e.Op,
		Payload:   e.Payload,
	})
}

// ValidateBasic checks required immutable entry fields.
func (e Entry) ValidateBasic() error {
	if strings.TrimSpace(e.EntryID) == "" {
		return errors.New("entry_id is required")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[e.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", e.Op)
	}
	if len(e.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// Seal sets the entry digest.
func (e *Entry) Seal() error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	sum, err := e.sum()
	if err != nil {
		return err
	}
	e.Digest = sum
	return nil
}

// Verify checks the entry fields and that the digest matches its content.
func (e Entry) Verify() error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Digest) == "" {
		return errors.New("digest is required")
	}
	sum, err := e.sum()
	if err != nil {
		return err
	}
	if sum != strings.ToLower(strings.TrimSpace(e.Digest)) {
		return errors.New("digest mismatch")
	}
	return nil
}

func (e Entry) sum() (string, error) {
	payload, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	digest := blake3.Sum256(payload)
	return hex.EncodeToString(digest[:]), nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type ChangeAppendPayload struct {
	Event studio.ChangeEvent `json:"event"`
}

type SnapshotSavePayload struct {
	Snapshot studio.Snapshot `json:"snapshot"`
}
