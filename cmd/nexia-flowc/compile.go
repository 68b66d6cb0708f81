package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/nexia/flowengine/pkg/compiler"
	"github.com/nexia/flowengine/pkg/log"
	"github.com/nexia/flowengine/pkg/models"
)

const exitWarnings = 2

type options struct {
	strict bool
	pretty bool
}

func compileFile(ctx context.Context, w io.Writer, path string, opts options) error {
	logger := log.WithModule("flowc")

	editor, err := readEditorGraph(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	result := compiler.Compile(editor)

	err = models.ValidateCompiledGraph(result.Graph)
	if err != nil {
		return cli.Exit(fmt.Sprintf("compiled graph is invalid: %v", err), 1)
	}

	for _, d := range result.Diagnostics {
		logger.WarnContext(ctx, d.Message, "code", d.Code, "node_id", d.NodeID)
	}

	encoder := json.NewEncoder(w)
	if opts.pretty {
		encoder.SetIndent("", "  ")
	}

	err = encoder.Encode(result)
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if opts.strict && result.HasWarnings() {
		return cli.Exit(fmt.Sprintf("%d compile warnings", len(result.Diagnostics)), exitWarnings)
	}

	return nil
}

// readEditorGraph decodes path as YAML when its extension says so, as JSON
// otherwise.
func readEditorGraph(path string) (models.EditorGraph, error) {
	var editor models.EditorGraph

	data, err := os.ReadFile(path)
	if err != nil {
		return editor, fmt.Errorf("read editor graph: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &editor)
	default:
		err = json.Unmarshal(data, &editor)
	}

	if err != nil {
		return editor, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	return editor, nil
}
