// Package ipc implements the child wire protocol codec and the per-child
// local-socket broker: newline-delimited UTF-8 JSON framing over a Unix
// domain socket (or a loopback TCP port on platforms without one), one
// listener per spawned child.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/donkeylabs/execore/internal/errorsx"
)

// FrameType enumerates every child-to-parent message variant of the wire
// protocol. Parent-to-child frame types are reserved for future use; an
// execore client that does not implement one must accept and ignore it.
type FrameType string

const (
	FrameConnected  FrameType = "connected"
	FrameHeartbeat  FrameType = "heartbeat"
	FrameStarted    FrameType = "started"
	FrameProgress   FrameType = "progress"
	FrameLog        FrameType = "log"
	FrameCompleted  FrameType = "completed"
	FrameFailed     FrameType = "failed"
	FrameStats      FrameType = "stats"
	FrameDisconnect FrameType = "disconnecting"
)

// Isolated workflow executors stream additional lifecycle frames over the
// same codec so the parent can mirror the state machine's callbacks.
const (
	FrameReady         FrameType = "ready"
	FrameStepStarted   FrameType = "step.started"
	FrameStepCompleted FrameType = "step.completed"
	FrameStepFailed    FrameType = "step.failed"
	FrameStepPoll      FrameType = "step.poll"
	FrameStepLoop      FrameType = "step.loop"
	FrameEvent         FrameType = "event"
)

// MaxFrameBytes rejects any line exceeding this size.
const MaxFrameBytes = 1 << 20 // 1 MiB

// LogLevel is the severity carried on a `log` frame.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// CPUStats and MemStats back the optional periodic `stats` frame.
type CPUStats struct {
	User    float64 `json:"user"`
	System  float64 `json:"system"`
	Percent float64 `json:"percent"`
}

type MemStats struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
	External  uint64 `json:"external"`
}

// Frame is the decoded form of one newline-terminated JSON object. Every
// frame carries {type, id-field, timestamp}; the id field is one of JobID,
// ProcessID, InstanceID depending on which kind of child sent it.
type Frame struct {
	Type       FrameType `json:"type"`
	JobID      string    `json:"jobId,omitempty"`
	ProcessID  string    `json:"processId,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	Timestamp  int64     `json:"timestamp"`

	// started
	Name string `json:"name,omitempty"`

	// step.* lifecycle (isolated workflows)
	Step  string `json:"step,omitempty"`
	Count int    `json:"count,omitempty"`

	// progress
	Percent int             `json:"percent,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// log
	Level LogLevel `json:"level,omitempty"`

	// completed
	Result json.RawMessage `json:"result,omitempty"`

	// failed
	Error string `json:"error,omitempty"`
	Stack string `json:"stack,omitempty"`

	// stats
	CPU    *CPUStats `json:"cpu,omitempty"`
	Memory *MemStats `json:"memory,omitempty"`
	Uptime float64   `json:"uptime,omitempty"`
}

// ID returns whichever identity field is set, for logging/dispatch keyed on
// "the record this frame is about" regardless of record kind.
func (f Frame) ID() string {
	switch {
	case f.JobID != "":
		return f.JobID
	case f.ProcessID != "":
		return f.ProcessID
	default:
		return f.InstanceID
	}
}

// Encode serializes a Frame as one newline-terminated JSON line. Timestamp
// defaults to now (as unix millis) when unset.
func Encode(f Frame) ([]byte, error) {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errorsx.MalformedFrame(err)
	}
	b = append(b, '\n')
	return b, nil
}

// Decode parses one line (without its trailing newline) into a Frame.
// A frame missing any of {type, id-field,
// timestamp} is rejected with errorsx.MalformedFrame.
func Decode(line []byte) (Frame, error) {
	if len(line) > MaxFrameBytes {
		return Frame{}, errorsx.MalformedFrame(errorsx.Newf(errorsx.KindMalformedFrame, "frame exceeds %d bytes", MaxFrameBytes))
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, errorsx.MalformedFrame(err)
	}
	if f.Type == "" {
		return Frame{}, errorsx.MalformedFrame(errorsx.Newf(errorsx.KindMalformedFrame, "missing type"))
	}
	if f.Timestamp == 0 {
		return Frame{}, errorsx.MalformedFrame(errorsx.Newf(errorsx.KindMalformedFrame, "missing timestamp"))
	}
	if f.JobID == "" && f.ProcessID == "" && f.InstanceID == "" {
		return Frame{}, errorsx.MalformedFrame(errorsx.Newf(errorsx.KindMalformedFrame, "missing id field"))
	}
	return f, nil
}

// IsTerminal reports whether the frame type transitions a record to a
// terminal status (completed or failed).
func (f Frame) IsTerminal() bool {
	return f.Type == FrameCompleted || f.Type == FrameFailed
}
