package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidGraph is returned when a graph does not match the publish contract.
var ErrInvalidGraph = errors.New("compiled graph does not match the publish schema")

// CompiledGraphSchema is the JSON Schema of the graph accepted by the flow
// publish API.
const CompiledGraphSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "nodes", "paths"],
  "properties": {
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["trigger", "intent"]},
          "on": {"type": "string"},
          "map": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "paths": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "array", "items": {"$ref": "#/definitions/step"}}
    }
  },
  "definitions": {
    "step": {
      "type": "object",
      "required": ["type"],
      "oneOf": [
        {
          "properties": {
            "type": {"enum": ["action"]},
            "action": {"enum": ["send_text"]},
            "text": {"type": "string"}
          },
          "required": ["action", "text"]
        },
        {
          "properties": {
            "type": {"enum": ["action"]},
            "action": {"enum": ["webhook"]},
            "data": {
              "type": "object",
              "properties": {
                "url": {"type": "string"},
                "metadata": {"type": "object"}
              }
            }
          },
          "required": ["action", "data"]
        },
        {
          "properties": {
            "type": {"enum": ["wait"]},
            "seconds": {"type": "integer", "minimum": 0}
          }
        },
        {
          "properties": {
            "type": {"enum": ["set_attribute"]},
            "key": {"type": "string", "minLength": 1},
            "value": {"type": "string"}
          },
          "required": ["key", "value"]
        },
        {
          "properties": {
            "type": {"enum": ["wait_for_reply"]},
            "pattern": {"type": "string"},
            "seconds": {"type": "integer", "minimum": 1},
            "timeout_path": {"type": "string"}
          }
        }
      ]
    }
  }
}`

var (
	compiledGraphSchema     *gojsonschema.Schema
	compiledGraphSchemaErr  error
	compiledGraphSchemaOnce sync.Once
)

// ValidateCompiledGraph checks graph against CompiledGraphSchema, then checks
// that every intent target and timeout path names a path of the graph.
func ValidateCompiledGraph(graph *CompiledGraph) error {
	if graph == nil {
		return fmt.Errorf("%w: graph is nil", ErrInvalidGraph)
	}

	compiledGraphSchemaOnce.Do(func() {
		compiledGraphSchema, compiledGraphSchemaErr = gojsonschema.NewSchema(
			gojsonschema.NewStringLoader(CompiledGraphSchema),
		)
	})

	if compiledGraphSchemaErr != nil {
		return fmt.Errorf("failed to load compiled graph schema: %w", compiledGraphSchemaErr)
	}

	result, err := compiledGraphSchema.Validate(gojsonschema.NewGoLoader(graph))
	if err != nil {
		return fmt.Errorf("failed to validate compiled graph: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(details, "; "))
	}

	details := danglingReferences(graph)
	if len(details) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(details, "; "))
	}

	return nil
}

// danglingReferences lists the intent targets and timeout paths that name no
// path of graph, in a stable order.
func danglingReferences(graph *CompiledGraph) []string {
	var details []string

	for _, node := range graph.Nodes {
		intents := make([]string, 0, len(node.Map))
		for intent := range node.Map {
			intents = append(intents, intent)
		}

		sort.Strings(intents)

		for _, intent := range intents {
			target := node.Map[intent]
			if target == "" {
				continue
			}

			if _, ok := graph.Paths[target]; !ok {
				details = append(details, fmt.Sprintf("node %s maps intent %q to unknown path %q", node.ID, intent, target))
			}
		}
	}

	keys := make([]string, 0, len(graph.Paths))
	for key := range graph.Paths {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		for i, step := range graph.Paths[key] {
			if step.TimeoutPath == "" {
				continue
			}

			if _, ok := graph.Paths[step.TimeoutPath]; !ok {
				details = append(details, fmt.Sprintf("step %d of %s times out into unknown path %q", i, key, step.TimeoutPath))
			}
		}
	}

	return details
}
