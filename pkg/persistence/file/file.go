// Package file provides the JSON-file persistence used for local development.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nexia/flowengine/pkg/persistence"
)

const (
	flowsDir       = "flows"
	runsDir        = "runs"
	headsDir       = "conversations"
	processedDir   = "processed"
	deadLettersDir = "dead_letters"
)

// Persistence implements persistence.Persistence on the file system. A single
// mutex serializes every operation, so it is only safe within one process.
type Persistence struct {
	root string
	mu   sync.Mutex

	flows       *FlowRepository
	runs        *RunRepository
	deadLetters *DeadLetterRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.flows = &FlowRepository{store: p}
	p.runs = &RunRepository{store: p}
	p.deadLetters = &DeadLetterRepository{store: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks that the root directory exists or can be created.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(fp.root, 0o750)
	if err != nil {
		return fmt.Errorf("file persistence root is not usable: %w", err)
	}

	return nil
}

func (fp *Persistence) Flows() persistence.FlowRepository {
	return fp.flows
}

func (fp *Persistence) Runs() persistence.RunRepository {
	return fp.runs
}

func (fp *Persistence) DeadLetters() persistence.DeadLetterRepository {
	return fp.deadLetters
}

func (fp *Persistence) path(dir, id string) string {
	return filepath.Join(fp.root, dir, url.PathEscape(id)+".json")
}

// read decodes the document dir/id into v and reports whether it exists.
func (fp *Persistence) read(dir, id string, v any) (bool, error) {
	body, err := os.ReadFile(fp.path(dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s/%s: %w", dir, id, err)
	}

	err = json.Unmarshal(body, v)
	if err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", dir, id, err)
	}

	return true, nil
}

// write stores v as dir/id, replacing the previous document atomically.
func (fp *Persistence) write(dir, id string, v any) error {
	err := os.MkdirAll(filepath.Join(fp.root, dir), 0o750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", dir, id, err)
	}

	target := fp.path(dir, id)

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	return os.Rename(tmp.Name(), target)
}

// ids lists the document ids stored in dir.
func (fp *Persistence) ids(dir string) ([]string, error) {
	matches, err := fs.Glob(os.DirFS(filepath.Join(fp.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(matches))

	for _, match := range matches {
		id, err := url.PathUnescape(strings.TrimSuffix(match, ".json"))
		if err != nil {
			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}
