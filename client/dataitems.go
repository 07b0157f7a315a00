package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DataOutput describes a file produced by an output node
type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the output declared by one node in a history record
type NodeOutput struct {
	NodeID string
	Images []DataOutput
}

// NodeOutputs keeps the node outputs in the order the backend declared them
type NodeOutputs []NodeOutput

func (o *NodeOutputs) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*o = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("outputs: expected object, got %v", tok)
	}

	outputs := make(NodeOutputs, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		nodeID, ok := tok.(string)
		if !ok {
			return fmt.Errorf("outputs: unexpected key %v", tok)
		}
		var out struct {
			Images []DataOutput `json:"images"`
		}
		if err := dec.Decode(&out); err != nil {
			return fmt.Errorf("outputs of node %s: %w", nodeID, err)
		}
		outputs = append(outputs, NodeOutput{NodeID: nodeID, Images: out.Images})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*o = outputs
	return nil
}

// HistoryStatus is the completion status recorded in history
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryItem is the execution history of one prompt
type HistoryItem struct {
	PromptID string         `json:"-"`
	Outputs  NodeOutputs    `json:"outputs"`
	Status   *HistoryStatus `json:"status,omitempty"`
}

// NodeImage is an image descriptor together with the node that declared it
type NodeImage struct {
	NodeID string
	DataOutput
}

// Images flattens every declared image in history order
func (h *HistoryItem) Images() []NodeImage {
	retv := make([]NodeImage, 0)
	for _, o := range h.Outputs {
		for _, img := range o.Images {
			if img.Filename == "" {
				continue
			}
			retv = append(retv, NodeImage{NodeID: o.NodeID, DataOutput: img})
		}
	}
	return retv
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
}

type GPU struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// PromptErrorMessage is the body returned by POST /prompt when validation fails.
// node_errors is an object keyed by node id.
type PromptErrorMessage struct {
	Error      PromptError     `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}
