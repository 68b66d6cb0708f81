// Package compiler turns the flow builder's node/edge graph into an executable
// CompiledGraph.
//
// Compilation never fails. Malformed or disconnected input degrades to the
// smallest valid program (a single path sending a greeting) and every defect
// found on the way is reported as a Diagnostic next to the graph.
package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nexia/flowengine/pkg/models"
)

// Diagnostic codes.
const (
	CodeEmptyGraph        = "empty_graph"
	CodeNoTrigger         = "no_trigger"
	CodeMultipleTriggers  = "multiple_triggers"
	CodeDuplicateNode     = "duplicate_node"
	CodeDanglingEdge      = "dangling_edge"
	CodeExtraEdges        = "extra_edges"
	CodeCycle             = "cycle_detected"
	CodeNestedCondition   = "nested_condition"
	CodeEmptyBranch       = "empty_branch"
	CodeEmptyPath         = "empty_path"
	CodeFallbackGraph     = "fallback_graph"
	CodeUnsupportedNode   = "unsupported_node_type"
	CodeUnreachableNode   = "unreachable_node"
	CodeInvalidPayload    = "invalid_webhook_payload"
	CodeInvalidPattern    = "invalid_pattern"
	CodeUnknownTimeout    = "unknown_timeout_path"
	CodeDelayDefaulted    = "delay_defaulted"
	CodeMissingWebhookURL = "missing_webhook_url"
)

const (
	defaultFlowName = "Untitled"
	fallbackText    = "Hola!"
	handleYes       = "yes"
	handleNo        = "no"
	triggerNodeID   = "t1"
	intentNodeID    = "i1"
)

// Compile translates an editor graph into a CompiledGraph plus diagnostics.
// The same input always yields the same output.
func Compile(editor models.EditorGraph) models.CompileResult {
	c := newCompilation(editor)

	return c.run()
}

type compilation struct {
	name    string
	arena   map[string]*models.EditorNode
	order   []string
	out     map[string][]models.EditorEdge
	diags   []models.Diagnostic
	reached map[string]bool
}

func newCompilation(editor models.EditorGraph) *compilation {
	c := &compilation{
		name:    strings.TrimSpace(editor.Name),
		arena:   make(map[string]*models.EditorNode, len(editor.Nodes)),
		out:     make(map[string][]models.EditorEdge),
		reached: make(map[string]bool),
	}

	if c.name == "" {
		c.name = defaultFlowName
	}

	for i := range editor.Nodes {
		node := &editor.Nodes[i]
		if node.ID == "" {
			c.warn(CodeDuplicateNode, "", fmt.Sprintf("node at index %d has no id and was ignored", i))

			continue
		}

		if _, exists := c.arena[node.ID]; exists {
			c.warn(CodeDuplicateNode, node.ID, "duplicate node id; only the first occurrence is compiled")

			continue
		}

		c.arena[node.ID] = node
		c.order = append(c.order, node.ID)
	}

	for _, edge := range editor.Edges {
		if _, ok := c.arena[edge.Source]; !ok {
			c.warn(CodeDanglingEdge, edge.Source, fmt.Sprintf("edge %q starts at unknown node %q", edge.ID, edge.Source))

			continue
		}

		if _, ok := c.arena[edge.Target]; !ok {
			c.warn(CodeDanglingEdge, edge.Source, fmt.Sprintf("edge %q points at unknown node %q", edge.ID, edge.Target))

			continue
		}

		c.out[edge.Source] = append(c.out[edge.Source], edge)
	}

	return c
}

func (c *compilation) run() models.CompileResult {
	start := c.entryNode()
	if start == nil {
		c.warn(CodeEmptyGraph, "", "graph has no nodes")

		return c.fallback()
	}

	c.reached[start.ID] = true

	paths := make(map[string][]models.Step)
	mapping := models.IntentMapping{}

	var (
		prefix []models.Step
		stop   *models.EditorNode
	)

	switch start.Type {
	case models.EditorNodeCondition:
		stop = start
	case models.EditorNodeTrigger:
		prefix, stop = c.walk(c.follow(start), map[string]bool{start.ID: true}, true)
	default:
		prefix, stop = c.walk(start, map[string]bool{}, true)
	}

	if stop != nil {
		c.compileBranches(start, stop, prefix, paths, mapping)
	} else {
		if len(prefix) == 0 {
			c.warn(CodeEmptyPath, start.ID, "entry node leads to no executable step; using the default greeting")

			prefix = []models.Step{models.SendText(fallbackText)}
		}

		paths[models.PathDefault] = prefix
		mapping[models.IntentDefault] = models.PathDefault
		mapping[models.IntentGreeting] = models.PathDefault
		mapping[models.IntentPricing] = models.PathDefault
	}

	if len(paths) == 0 {
		return c.fallback()
	}

	graph := &models.CompiledGraph{
		Name:  c.name,
		Nodes: intentNodes(mapping),
		Paths: paths,
	}

	c.checkTimeoutPaths(graph)
	c.reportUnreachable()

	return models.CompileResult{Graph: graph, Diagnostics: c.diagnostics()}
}

// compileBranches emits path_yes/path_no for the condition that ended the
// entry chain. Steps walked before the condition become the primary path.
func (c *compilation) compileBranches(
	start, condition *models.EditorNode,
	prefix []models.Step,
	paths map[string][]models.Step,
	mapping models.IntentMapping,
) {
	c.reached[condition.ID] = true

	yesTarget, noTarget := c.branchTargets(condition)

	seed := func() map[string]bool {
		return map[string]bool{start.ID: true, condition.ID: true}
	}

	var yesSteps, noSteps []models.Step

	if yesTarget != "" {
		yesSteps, _ = c.walk(c.arena[yesTarget], seed(), false)
	}

	if noTarget != "" {
		noSteps, _ = c.walk(c.arena[noTarget], seed(), false)
	}

	if len(prefix) > 0 {
		paths[models.PathDefault] = prefix
	}

	if len(yesSteps) > 0 {
		paths[models.PathYes] = yesSteps
		mapping[models.IntentGreeting] = models.PathYes
	} else {
		c.warn(CodeEmptyBranch, condition.ID, "condition has no executable \"yes\" branch")
	}

	if len(noSteps) > 0 {
		paths[models.PathNo] = noSteps
		mapping[models.IntentPricing] = models.PathNo
	} else {
		c.warn(CodeEmptyBranch, condition.ID, "condition has no executable \"no\" branch")
	}

	switch {
	case len(prefix) > 0:
		mapping[models.IntentDefault] = models.PathDefault
	case len(yesSteps) > 0:
		mapping[models.IntentDefault] = models.PathYes
	case len(noSteps) > 0:
		mapping[models.IntentDefault] = models.PathNo
	}
}

// branchTargets picks the yes/no successors of a condition, preferring the
// labeled handles and falling back to edge positions 0 and 1.
func (c *compilation) branchTargets(condition *models.EditorNode) (string, string) {
	edges := c.out[condition.ID]

	var yes, no string

	for _, edge := range edges {
		handle := strings.ToLower(edge.SourceHandle)
		if handle == handleYes && yes == "" {
			yes = edge.Target
		}

		if handle == handleNo && no == "" {
			no = edge.Target
		}
	}

	if yes == "" && len(edges) > 0 {
		yes = edges[0].Target
	}

	if no == "" && len(edges) > 1 {
		no = edges[1].Target
	}

	return yes, no
}

// walk compiles the linear chain starting at node. It stops when the chain
// ends, revisits a node, or reaches a condition. On the entry chain
// (branching=true) the condition is returned so the caller can branch on it;
// inside a branch it is a dead end, since branching is single-level.
func (c *compilation) walk(node *models.EditorNode, visited map[string]bool, branching bool) ([]models.Step, *models.EditorNode) {
	steps := make([]models.Step, 0)

	for node != nil {
		if visited[node.ID] {
			c.warn(CodeCycle, node.ID, "cycle detected; the walk stops before revisiting this node")

			return steps, nil
		}

		visited[node.ID] = true
		c.reached[node.ID] = true

		if node.Type == models.EditorNodeCondition {
			if branching {
				return steps, node
			}

			c.warn(CodeNestedCondition, node.ID, "nested conditions are not supported; the branch ends here")

			return steps, nil
		}

		if step, ok := c.translate(node); ok {
			steps = append(steps, step)
		}

		node = c.follow(node)
	}

	return steps, nil
}

// follow returns the target of the first outgoing edge of node.
func (c *compilation) follow(node *models.EditorNode) *models.EditorNode {
	edges := c.out[node.ID]
	if len(edges) == 0 {
		return nil
	}

	if len(edges) > 1 && node.Type != models.EditorNodeCondition {
		c.warn(CodeExtraEdges, node.ID, fmt.Sprintf("node has %d outgoing edges; only the first is followed", len(edges)))
	}

	return c.arena[edges[0].Target]
}

func (c *compilation) entryNode() *models.EditorNode {
	if len(c.order) == 0 {
		return nil
	}

	var triggers []string

	for _, id := range c.order {
		if c.arena[id].Type == models.EditorNodeTrigger {
			triggers = append(triggers, id)
		}
	}

	switch {
	case len(triggers) == 0:
		c.warn(CodeNoTrigger, c.order[0], "graph has no trigger node; the first node is used as entry point")

		return c.arena[c.order[0]]
	case len(triggers) > 1:
		c.warn(CodeMultipleTriggers, triggers[1], fmt.Sprintf("graph has %d trigger nodes; only %q is used", len(triggers), triggers[0]))
	}

	return c.arena[triggers[0]]
}

func (c *compilation) checkTimeoutPaths(graph *models.CompiledGraph) {
	keys := make([]string, 0, len(graph.Paths))
	for key := range graph.Paths {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		for i, step := range graph.Paths[key] {
			if step.Type != models.StepTypeWaitForReply || step.TimeoutPath == "" {
				continue
			}

			if _, ok := graph.Paths[step.TimeoutPath]; !ok {
				c.warn(CodeUnknownTimeout, "", fmt.Sprintf("step %d of %s times out into unknown path %q; the wait completes the run instead", i, key, step.TimeoutPath))
				graph.Paths[key][i].TimeoutPath = ""
			}
		}
	}
}

func (c *compilation) reportUnreachable() {
	for _, id := range c.order {
		if !c.reached[id] {
			c.diags = append(c.diags, models.Diagnostic{
				Code:     CodeUnreachableNode,
				Severity: models.SeverityInfo,
				NodeID:   id,
				Message:  "node is not reachable from the entry point and was not compiled",
			})
		}
	}
}

func (c *compilation) fallback() models.CompileResult {
	c.warn(CodeFallbackGraph, "", "nothing executable could be compiled; publishing the default greeting flow")

	return models.CompileResult{
		Graph:       FallbackGraph(c.name),
		Diagnostics: c.diagnostics(),
		Degraded:    true,
	}
}

func (c *compilation) diagnostics() []models.Diagnostic {
	if c.diags == nil {
		return []models.Diagnostic{}
	}

	return c.diags
}

func (c *compilation) warn(code, nodeID, message string) {
	c.diags = append(c.diags, models.Diagnostic{
		Code:     code,
		Severity: models.SeverityWarning,
		NodeID:   nodeID,
		Message:  message,
	})
}

// FallbackGraph is the minimal valid program: one path greeting the contact.
func FallbackGraph(name string) *models.CompiledGraph {
	if strings.TrimSpace(name) == "" {
		name = defaultFlowName
	}

	mapping := models.IntentMapping{models.IntentDefault: models.PathDefault}

	return &models.CompiledGraph{
		Name:  strings.TrimSpace(name),
		Nodes: intentNodes(mapping),
		Paths: map[string][]models.Step{
			models.PathDefault: {models.SendText(fallbackText)},
		},
	}
}

func intentNodes(mapping models.IntentMapping) []models.GraphNode {
	return []models.GraphNode{
		{ID: triggerNodeID, Type: models.GraphNodeTrigger, On: models.TriggerMessageIn},
		{ID: intentNodeID, Type: models.GraphNodeIntent, Map: mapping},
	}
}
