package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Editor node types understood by the compiler.
const (
	EditorNodeTrigger      = "trigger"
	EditorNodeMessage      = "message"
	EditorNodeAction       = "action"
	EditorNodeCondition    = "condition"
	EditorNodeDelay        = "delay"
	EditorNodeSetAttribute = "set_attribute"
	EditorNodeTag          = "tag"
	EditorNodeWaitForReply = "wait_for_reply"
	EditorNodeWebhook      = "webhook"
)

// EditorGraph is the node/edge document produced by the visual flow builder.
type EditorGraph struct {
	Name  string       `json:"name"  yaml:"name"`
	Nodes []EditorNode `json:"nodes" yaml:"nodes"`
	Edges []EditorEdge `json:"edges" yaml:"edges"`
}

// EditorNode is a single node drawn on the canvas. Position is carried for
// round-tripping only; it never affects compilation.
type EditorNode struct {
	ID       string         `json:"id"                 yaml:"id"`
	Type     string         `json:"type"               yaml:"type"`
	Position EditorPosition `json:"position"           yaml:"position"`
	Data     NodeData       `json:"data,omitempty"     yaml:"data,omitempty"`
}

// EditorPosition is the canvas coordinate of a node.
type EditorPosition struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// EditorEdge connects two nodes. SourceHandle names the output of branching
// nodes ("yes"/"no" for conditions).
type EditorEdge struct {
	ID           string `json:"id"                     yaml:"id"`
	Source       string `json:"source"                 yaml:"source"`
	Target       string `json:"target"                 yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// NodeData holds the free-form properties the builder attaches to a node.
type NodeData map[string]any

// String returns the value for key when it is a string, otherwise "".
func (d NodeData) String(key string) string {
	if d == nil {
		return ""
	}

	s, _ := d[key].(string)

	return s
}

// Text renders scalar values (strings and numbers) as text; other values yield "".
func (d NodeData) Text(key string) string {
	if d == nil {
		return ""
	}

	switch v := d[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return ""
	}
}

// Number reports the numeric value stored under key. Numeric strings are
// accepted because the builder's property panel stores raw input text.
func (d NodeData) Number(key string) (float64, bool) {
	if d == nil {
		return 0, false
	}

	switch v := d[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}

		f, err := strconv.ParseFloat(trimmed, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// Object returns the value for key when it is a JSON object.
func (d NodeData) Object(key string) (map[string]any, bool) {
	if d == nil {
		return nil, false
	}

	switch v := d[key].(type) {
	case map[string]any:
		return v, true
	default:
		return nil, false
	}
}

// Has reports whether key is present with a non-nil value.
func (d NodeData) Has(key string) bool {
	if d == nil {
		return false
	}

	v, ok := d[key]

	return ok && v != nil
}
