package tools

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is the tagged result of a tool call: Success or Failure.
type Result interface {
	isResult()
}

type Success struct {
	Data any
}

type Failure struct {
	Err string
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Outcome is what every wrapped tool call resolves to.
type Outcome struct {
	Result        Result
	ToolName      string
	ExecutionTime time.Duration
	Timestamp     time.Time
}

func (o Outcome) OK() bool {
	_, ok := o.Result.(Success)
	return ok
}

// Data returns the success payload, nil on failure.
func (o Outcome) Data() any {
	if s, ok := o.Result.(Success); ok {
		return s.Data
	}
	return nil
}

// Error returns the failure message, empty on success.
func (o Outcome) Error() string {
	if f, ok := o.Result.(Failure); ok {
		return f.Err
	}
	return ""
}

func (o Outcome) ExecutionTimeMs() int64 {
	return o.ExecutionTime.Milliseconds()
}

type outcomeMetadata struct {
	ToolName        string    `json:"toolName"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Timestamp       time.Time `json:"timestamp"`
}

type wireOutcome struct {
	Success  bool            `json:"success"`
	Data     any             `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata outcomeMetadata `json:"metadata"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOutcome{
		Success: o.OK(),
		Data:    o.Data(),
		Error:   o.Error(),
		Metadata: outcomeMetadata{
			ToolName:        o.ToolName,
			ExecutionTimeMs: o.ExecutionTimeMs(),
			Timestamp:       o.Timestamp,
		},
	})
}

// ModelPayload is the JSON handed back to the model as the tool result.
// Successful string data is passed as is.
func (o Outcome) ModelPayload() json.RawMessage {
	if s, ok := o.Result.(Success); ok {
		switch v := s.Data.(type) {
		case json.RawMessage:
			if json.Valid(v) {
				return v
			}
		case string:
			raw, _ := json.Marshal(v)
			return raw
		}
		if raw, err := json.Marshal(s.Data); err == nil {
			return raw
		}
	}
	raw, _ := json.Marshal(o)
	return raw
}

// normalize turns whatever an executor produced into an Outcome.
func normalize(name string, v any, err error, started time.Time) Outcome {
	elapsed := time.Since(started)
	now := time.Now().UTC()
	if err != nil {
		return Outcome{Result: Failure{Err: err.Error()}, ToolName: name, ExecutionTime: elapsed, Timestamp: now}
	}
	switch r := v.(type) {
	case Outcome:
		return complete(r, name, elapsed, now)
	case Success:
		return Outcome{Result: r, ToolName: name, ExecutionTime: elapsed, Timestamp: now}
	case Failure:
		return complete(Outcome{Result: r}, name, elapsed, now)
	}
	return Outcome{Result: Success{Data: v}, ToolName: name, ExecutionTime: elapsed, Timestamp: now}
}

// complete fills whatever an executor-built Outcome left empty. A missing
// result or an empty failure message becomes a descriptive Failure.
func complete(o Outcome, name string, elapsed time.Duration, now time.Time) Outcome {
	switch r := o.Result.(type) {
	case nil:
		o.Result = Failure{Err: fmt.Sprintf("tool %q returned an empty outcome", name)}
	case Failure:
		if r.Err == "" {
			o.Result = Failure{Err: fmt.Sprintf("tool %q failed without an error message", name)}
		}
	}
	if o.ToolName == "" {
		o.ToolName = name
	}
	if o.ExecutionTime == 0 {
		o.ExecutionTime = elapsed
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = now
	}
	return o
}
