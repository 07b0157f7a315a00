package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrTemplateMissing is returned when a workflow template file cannot be read
	ErrTemplateMissing = errors.New("workflow template missing")
	// ErrTemplateInvalid is returned when a template does not hold an API-format graph
	ErrTemplateInvalid = errors.New("workflow template invalid")
)

// Graph is an API-format workflow: node id -> node.  This is the shape that is
// enqueued with POST /prompt, not the litegraph UI format.
type Graph map[string]*Node

// Node is a single processing unit in a Graph.
type Node struct {
	// Inputs can be one of:
	//	float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of the upstream node
	//					     [1] is float64 (int) of the output slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

// NodeMeta is the optional metadata the UI attaches when exporting an API workflow
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Title returns the display title of the node, falling back to its class type
func (n *Node) Title() string {
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

// GetNodeById returns the node with the given id.  Ids of nodes expanded from
// a subgraph look like "57:8"; when there is no exact match the leading id is tried.
func (g Graph) GetNodeById(id string) *Node {
	if n, ok := g[id]; ok {
		return n
	}
	if i := strings.IndexByte(id, ':'); i > 0 {
		if n, ok := g[id[:i]]; ok {
			return n
		}
	}
	return nil
}

// GetNodesWithType returns the ids of every node of the given class type, in id order
func (g Graph) GetNodesWithType(classType string) []string {
	retv := make([]string, 0)
	for id, n := range g {
		if n.ClassType == classType {
			retv = append(retv, id)
		}
	}
	sortNodeIDs(retv)
	return retv
}

// NodeIDs returns all node ids ordered numerically where possible
func (g Graph) NodeIDs() []string {
	retv := make([]string, 0, len(g))
	for id := range g {
		retv = append(retv, id)
	}
	sortNodeIDs(retv)
	return retv
}

func sortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

// Clone returns a deep copy of the graph.  Templates are cached and every job
// binds into its own copy.
func (g Graph) Clone() Graph {
	retv := make(Graph, len(g))
	for id, n := range g {
		nn := &Node{
			ClassType: n.ClassType,
			Inputs:    make(map[string]interface{}, len(n.Inputs)),
		}
		if n.Meta != nil {
			meta := *n.Meta
			nn.Meta = &meta
		}
		for k, v := range n.Inputs {
			nn.Inputs[k] = cloneValue(v)
		}
		retv[id] = nn
	}
	return retv
}

func cloneValue(v interface{}) interface{} {
	switch value := v.(type) {
	case []interface{}:
		c := make([]interface{}, len(value))
		for i := range value {
			c[i] = cloneValue(value[i])
		}
		return c
	case map[string]interface{}:
		c := make(map[string]interface{}, len(value))
		for k, e := range value {
			c[k] = cloneValue(e)
		}
		return c
	}
	return v
}

// GetInput returns the value of a node input
func (g Graph) GetInput(nodeID string, field string) (interface{}, bool) {
	n, ok := g[nodeID]
	if !ok || n.Inputs == nil {
		return nil, false
	}
	v, ok := n.Inputs[field]
	return v, ok
}

// NewGraphFromJsonReader creates a new graph from the data read from an io.Reader
func NewGraphFromJsonReader(r io.Reader) (Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewGraphFromJsonBytes(data)
}

// NewGraphFromJsonBytes decodes an API-format graph
func NewGraphFromJsonBytes(data []byte) (Graph, error) {
	graph := Graph{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&graph); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateInvalid, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrTemplateInvalid)
	}
	for id, n := range graph {
		if n == nil || n.ClassType == "" {
			return nil, fmt.Errorf("%w: node %s has no class_type", ErrTemplateInvalid, id)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]interface{})
		}
	}
	return graph, nil
}

// NewGraphFromPNGReader reads the API-format graph the backend embeds in the
// "prompt" tEXt chunk of the images it saves.
func NewGraphFromPNGReader(r io.Reader) (Graph, error) {
	metadata, err := GetPngMetadata(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateInvalid, err)
	}
	prompt, ok := metadata["prompt"]
	if !ok {
		return nil, fmt.Errorf("%w: png does not contain prompt metadata", ErrTemplateInvalid)
	}
	return NewGraphFromJsonBytes([]byte(prompt))
}

// LoadTemplate loads a graph template from a .json file or a .png produced by the backend
func LoadTemplate(path string) (Graph, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateMissing, err)
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".png") {
		return NewGraphFromPNGReader(file)
	}
	return NewGraphFromJsonReader(file)
}

// GraphToJSON serializes the graph
func (g Graph) GraphToJSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
