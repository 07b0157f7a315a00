package client

import (
	"encoding/json"
	"errors"
)

// Frame types the monitor acts on.  Others are decoded only as far as their type.
const (
	FrameStatus               = "status"
	FrameExecutionStart       = "execution_start"
	FrameExecutionCached      = "execution_cached"
	FrameExecuting            = "executing"
	FrameProgress             = "progress"
	FrameExecuted             = "executed"
	FrameExecutionError       = "execution_error"
	FrameExecutionInterrupted = "execution_interrupted"
)

var errFrameWithoutType = errors.New("frame without type")

// Frame is a decoded stream frame.  Data holds one of the *Data types below,
// or nil for frame types the monitor does not inspect.
type Frame struct {
	Type string
	Data interface{}
}

// DecodeFrame decodes a text frame of the form {"type": ..., "data": ...}
func DecodeFrame(b []byte) (*Frame, error) {
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return nil, err
	}
	if temp.Type == "" {
		return nil, errFrameWithoutType
	}

	f := &Frame{Type: temp.Type}
	switch temp.Type {
	case FrameExecuting:
		f.Data = &ExecutingData{}
	case FrameProgress:
		f.Data = &ProgressData{}
	case FrameExecutionError:
		f.Data = &ExecutionErrorData{}
	case FrameExecutionInterrupted:
		f.Data = &ExecutionInterruptedData{}
	}

	if f.Data != nil {
		if len(temp.Data) == 0 {
			return nil, errors.New(temp.Type + " frame without data")
		}
		if err := json.Unmarshal(temp.Data, f.Data); err != nil {
			return nil, err
		}
	}
	return f, nil
}

/*
{"type": "executing", "data": {"node": "12", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

/*
{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "...", "node": "3"}}
*/

type ProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

type ExecutionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

type ExecutionInterruptedData struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
}
