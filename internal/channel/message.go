// Package channel implements the Duplex Channel of spec §4.D: a
// long-lived bidirectional message transport with heartbeat,
// exponential-backoff reconnection, and an offline send-queue. The
// connection-handling idiom (read pump / write pump goroutines, ping
// ticker, deadline resets) is adapted from the teacher's
// examples/beads-web-ui/websocket.go.
package channel

import (
	"encoding/json"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

// Message types, client→server (spec §6).
const (
	TypePing        = "ping"
	TypeSyncChange  = "sync-change"
	TypeBatch       = "batch"
	TypePullUpdates = "pull-updates"
)

// Message types, server→client (spec §6).
const (
	TypePong            = "pong"
	TypeBatchResponse   = "batch-response"
	TypeServerUpdate    = "server-update"
	TypeConflict        = "conflict"
	TypePullUpdatesResp = "pull-updates-response"
)

// Message is the wire envelope of spec §6: every message carries a type,
// an optional payload, a timestamp, and an optional device id.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"deviceId,omitempty"`
}

// NewMessage builds a Message, marshaling payload into the envelope.
func NewMessage(typ string, deviceID string, payload any) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{Type: typ, Payload: raw, Timestamp: time.Now().UTC(), DeviceID: deviceID}, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// BatchEnvelope is the payload of a "batch" message.
type BatchEnvelope struct {
	BatchID  string               `json:"batchId"`
	Messages []model.ChangeRecord `json:"messages"`
}

// BatchResponseEnvelope is the payload of a "batch-response" message.
type BatchResponseEnvelope struct {
	BatchID string        `json:"batchId"`
	Results []ItemOutcome `json:"results"`
}

// ItemOutcome is the per-item outcome of a pushed change (spec §6).
type ItemOutcome struct {
	Success       bool   `json:"success"`
	Conflict      bool   `json:"conflict,omitempty"`
	ConflictType  string `json:"conflictType,omitempty"`
	RemoteVersion int64  `json:"remoteVersion,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PullUpdatesRequest is the payload of a "pull-updates" message.
type PullUpdatesRequest struct {
	Since    time.Time `json:"since"`
	DeviceID string    `json:"deviceId"`
}

// ServerUpdate is one row change to apply locally (payload of
// "server-update" and an element of "pull-updates-response").
type ServerUpdate struct {
	TableName string          `json:"tableName"`
	RowID     string          `json:"rowId"`
	Operation model.Operation `json:"operation"`
	Payload   model.Payload   `json:"payload"`
	Version   int64           `json:"version"`
}

// PullUpdatesResponse is the payload of a "pull-updates-response" message.
type PullUpdatesResponse struct {
	Updates []ServerUpdate `json:"updates"`
}

// ConflictNotification is the payload of an unsolicited "conflict" message.
type ConflictNotification struct {
	TableName    string             `json:"tableName"`
	RowID        string             `json:"rowId"`
	ConflictKind model.ConflictKind `json:"conflictKind"`
	Remote       model.Payload      `json:"remoteData"`
}
