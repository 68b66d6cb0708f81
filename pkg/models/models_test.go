package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nexia/flowengine/pkg/models"
)

func TestIntentMapping_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		mapping models.IntentMapping
		intent  string
		want    string
	}{
		{"mapped intent", models.IntentMapping{"pricing": "path_no", "default": "path_yes"}, "pricing", "path_no"},
		{"falls back to default intent", models.IntentMapping{"default": "path_yes"}, "greeting", "path_yes"},
		{"empty target falls back", models.IntentMapping{"greeting": "", "default": "path_yes"}, "greeting", "path_yes"},
		{"nil mapping", nil, "greeting", models.PathDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mapping.Resolve(tt.intent))
		})
	}
}

func TestCompiledGraph_Accessors(t *testing.T) {
	graph := &models.CompiledGraph{
		Name: "Welcome",
		Nodes: []models.GraphNode{
			{ID: "t1", Type: models.GraphNodeTrigger, On: models.TriggerMessageIn},
			{ID: "i1", Type: models.GraphNodeIntent, Map: models.IntentMapping{"default": models.PathDefault}},
		},
		Paths: map[string][]models.Step{models.PathDefault: {models.SendText("Hola")}},
	}

	assert.Equal(t, models.PathDefault, graph.IntentMap().Resolve("greeting"))

	steps, ok := graph.Path(models.PathDefault)
	require.True(t, ok)
	assert.Len(t, steps, 1)

	_, ok = graph.Path("path_missing")
	assert.False(t, ok)

	var empty *models.CompiledGraph
	assert.Nil(t, empty.IntentMap())
}

func TestStep_JSONShape(t *testing.T) {
	payload, err := json.Marshal([]models.Step{
		models.SendText("Hola"),
		{Type: models.StepTypeWaitForReply, Pattern: `\d{6}`, Seconds: 60, TimeoutPath: "path_timeout"},
	})
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"type":"action","action":"send_text","text":"Hola"},
		{"type":"wait_for_reply","pattern":"\\d{6}","seconds":60,"timeout_path":"path_timeout"}
	]`, string(payload))
}

func TestValidateCompiledGraph(t *testing.T) {
	valid := &models.CompiledGraph{
		Name:  "Welcome",
		Nodes: []models.GraphNode{{ID: "t1", Type: models.GraphNodeTrigger, On: models.TriggerMessageIn}},
		Paths: map[string][]models.Step{
			models.PathDefault: {
				models.SendText("Hola"),
				{Type: models.StepTypeWait, Seconds: 5},
				{Type: models.StepTypeSetAttribute, Key: "tag", Value: "tagged"},
				{Type: models.StepTypeAction, Action: models.ActionWebhook, Data: &models.WebhookData{URL: "https://example.com"}},
			},
		},
	}

	require.NoError(t, models.ValidateCompiledGraph(valid))

	tests := map[string]*models.CompiledGraph{
		"nil graph": nil,
		"no paths":  {Name: "x", Nodes: []models.GraphNode{}, Paths: map[string][]models.Step{}},
		"unknown node type": {
			Name:  "x",
			Nodes: []models.GraphNode{{ID: "n1", Type: "router"}},
			Paths: map[string][]models.Step{models.PathDefault: {models.SendText("Hola")}},
		},
		"unknown step type": {
			Name:  "x",
			Nodes: []models.GraphNode{},
			Paths: map[string][]models.Step{models.PathDefault: {{Type: "teleport"}}},
		},
		"webhook without data": {
			Name:  "x",
			Nodes: []models.GraphNode{},
			Paths: map[string][]models.Step{models.PathDefault: {{Type: models.StepTypeAction, Action: models.ActionWebhook}}},
		},
		"intent mapped to unknown path": {
			Name: "x",
			Nodes: []models.GraphNode{{
				ID:   "intent",
				Type: models.GraphNodeIntent,
				Map:  models.IntentMapping{models.IntentDefault: models.PathDefault, models.IntentPricing: "path_prices"},
			}},
			Paths: map[string][]models.Step{models.PathDefault: {models.SendText("Hola")}},
		},
		"timeout into unknown path": {
			Name:  "x",
			Nodes: []models.GraphNode{},
			Paths: map[string][]models.Step{models.PathDefault: {
				{Type: models.StepTypeWaitForReply, Seconds: 60, TimeoutPath: "path_timeout"},
			}},
		},
	}

	for name, graph := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, models.ValidateCompiledGraph(graph), models.ErrInvalidGraph)
		})
	}
}

func TestValidateCompiledGraph_NamesDanglingReferences(t *testing.T) {
	graph := &models.CompiledGraph{
		Name: "x",
		Nodes: []models.GraphNode{{
			ID:   "intent",
			Type: models.GraphNodeIntent,
			Map:  models.IntentMapping{models.IntentGreeting: models.PathYes, models.IntentDefault: models.PathDefault},
		}},
		Paths: map[string][]models.Step{
			models.PathDefault: {{Type: models.StepTypeWaitForReply, TimeoutPath: "path_timeout"}},
			"path_timeout":     {models.SendText("Se acabo el tiempo")},
		},
	}

	require.NoError(t, models.ValidateCompiledGraph(&models.CompiledGraph{
		Name:  graph.Name,
		Nodes: []models.GraphNode{{ID: "intent", Type: models.GraphNodeIntent, Map: models.IntentMapping{models.IntentDefault: models.PathDefault}}},
		Paths: graph.Paths,
	}))

	err := models.ValidateCompiledGraph(graph)
	require.ErrorIs(t, err, models.ErrInvalidGraph)
	assert.Contains(t, err.Error(), `maps intent "greeting" to unknown path "path_yes"`)
}

func TestConversationRun_Clone(t *testing.T) {
	deadline := time.Now().UTC()
	pattern := `\d+`
	run := &models.ConversationRun{
		ID:           "run-1",
		Status:       models.RunStatusWaitingReply,
		WaitDeadline: &deadline,
		WaitPattern:  &pattern,
		Attributes:   map[string]string{"a": "1"},
	}

	clone := run.Clone()
	clone.Attributes["a"] = "2"
	*clone.WaitPattern = "x"
	clone.Finish(models.RunStatusCompleted, deadline.Add(time.Second))

	assert.Equal(t, "1", run.Attributes["a"])
	assert.Equal(t, `\d+`, *run.WaitPattern)
	assert.Equal(t, models.RunStatusWaitingReply, run.Status)
	assert.NotNil(t, run.WaitDeadline)

	assert.True(t, clone.Status.Terminal())
	assert.Nil(t, clone.WaitDeadline)
	assert.Nil(t, clone.WaitPattern)
	require.NotNil(t, clone.FinishedAt)
}

func TestRunStatus(t *testing.T) {
	assert.True(t, models.RunStatusFailed.Terminal())
	assert.False(t, models.RunStatusWaitingDelay.Terminal())
	assert.True(t, models.RunStatusWaitingDelay.Waiting())
	assert.False(t, models.RunStatusRunning.Waiting())
}

func TestNodeData(t *testing.T) {
	var editor models.EditorGraph

	err := yaml.Unmarshal([]byte(`
name: Delays
nodes:
  - id: d1
    type: delay
    data:
      seconds: 30
      label: "45"
      note: 1.5
      payload:
        plan: pro
`), &editor)
	require.NoError(t, err)
	require.Len(t, editor.Nodes, 1)

	data := editor.Nodes[0].Data

	seconds, ok := data.Number("seconds")
	require.True(t, ok)
	assert.InDelta(t, 30, seconds, 0)

	label, ok := data.Number("label")
	require.True(t, ok)
	assert.InDelta(t, 45, label, 0)

	assert.Equal(t, "1.5", data.Text("note"))
	assert.Equal(t, "", data.String("seconds"))
	assert.True(t, data.Has("payload"))
	assert.False(t, data.Has("missing"))

	payload, ok := data.Object("payload")
	require.True(t, ok)
	assert.Equal(t, "pro", payload["plan"])
}
