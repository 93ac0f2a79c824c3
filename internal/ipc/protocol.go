// Package ipc exposes run control over a unix domain socket. The wire
// format is newline-delimited JSON: one request line in, one response
// line out, so shell tooling can drive it with nc as easily as the
// bundled client.
package ipc

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped on incompatible wire changes. A server
// rejects requests carrying a different version.
const ProtocolVersion = 1

// Command names accepted by the server.
const (
	CommandStatus       = "status"
	CommandPause        = "pause"
	CommandResume       = "resume"
	CommandCancel       = "cancel"
	CommandSetBatchSize = "setBatchSize"
	CommandRetryTask    = "retryTask"
	CommandSkipTask     = "skipTask"
)

// Request is one control message. ID makes retries idempotent: the
// server caches responses by ID and replays them instead of re-executing
// the command. Clients may omit the ID; the server assigns one.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	ID              string          `json:"id,omitempty"`
	Command         string          `json:"command"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp,omitzero"`
}

// Response answers exactly one request, correlated by ID.
type Response struct {
	ProtocolVersion int             `json:"protocol_version"`
	ID              string          `json:"id"`
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// SetBatchSizePayload is the payload for setBatchSize.
type SetBatchSizePayload struct {
	BatchSize int `json:"batch_size"`
}

// TaskPayload is the payload for retryTask and skipTask.
type TaskPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func okResponse(id string, data any) Response {
	resp := Response{ProtocolVersion: ProtocolVersion, ID: id, Success: true}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			resp.Data = raw
		}
	}
	return resp
}

func errResponse(id string, err error) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		ID:              id,
		Success:         false,
		Error:           err.Error(),
	}
}
