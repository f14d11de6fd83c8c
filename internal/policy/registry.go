// Package policy holds the connection registry: which connections exist, what
// dialect they speak and which review policy guards them.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/ports"
	"github.com/fsnotify/fsnotify"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const (
	TypeDatasource = "datasource"
	TypeKubernetes = "kubernetes"
)

// schema is checked against the YAML document before it is decoded.
const schema = `{
  "type": "object",
  "required": ["connections"],
  "properties": {
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["datasource", "kubernetes"]},
          "display_name": {"type": "string"},
          "database_type": {"enum": ["postgres", "mysql"]},
          "policy": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "num_total_required": {"type": "integer", "minimum": 0},
              "max_executions": {"type": ["integer", "null"], "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(schema)

// ErrInvalid wraps every rejection of a policy document.
var ErrInvalid = errors.New("invalid connection policy")

type file struct {
	Connections []entry `yaml:"connections"`
}

type entry struct {
	ID           string        `yaml:"id"`
	Type         string        `yaml:"type"`
	DisplayName  string        `yaml:"display_name"`
	DatabaseType string        `yaml:"database_type"`
	Policy       domain.Policy `yaml:"policy"`
}

// Parse validates and decodes a policy document.
func Parse(data []byte) ([]domain.Connection, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(js))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	seen := map[string]struct{}{}
	out := make([]domain.Connection, 0, len(f.Connections))
	for _, e := range f.Connections {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate connection %q", ErrInvalid, e.ID)
		}
		seen[e.ID] = struct{}{}
		switch e.Type {
		case TypeDatasource:
			dt := domain.DatabaseType(e.DatabaseType)
			if dt == "" {
				dt = domain.DatabasePostgres
			}
			out = append(out, &domain.DatasourceConnection{ID: e.ID, DisplayName: e.DisplayName, DatabaseType: dt, Policy: e.Policy})
		case TypeKubernetes:
			out = append(out, &domain.KubernetesConnection{ID: e.ID, DisplayName: e.DisplayName, Policy: e.Policy})
		}
	}
	return out, nil
}

// Registry is a concurrency-safe view of the current connection set.
type Registry struct {
	mu    sync.RWMutex
	path  string
	conns map[string]domain.Connection
	log   *slog.Logger
}

var _ ports.ConnectionLookup = (*Registry)(nil)

// NewRegistry builds a registry from connections defined in code.
func NewRegistry(conns ...domain.Connection) *Registry {
	r := &Registry{log: slog.Default()}
	r.set(conns)
	return r
}

// Load reads the policy file at path.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, log: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file. On error the previous set stays active.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	conns, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	r.set(conns)
	r.log.Info("connection policies loaded", "path", r.path, "connections", len(conns))
	return nil
}

func (r *Registry) set(conns []domain.Connection) {
	m := make(map[string]domain.Connection, len(conns))
	for _, c := range conns {
		m[c.ConnectionID()] = c
	}
	r.mu.Lock()
	r.conns = m
	r.mu.Unlock()
}

func (r *Registry) Connection(id string) (domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, ports.ErrNotFound)
	}
	return c, nil
}

// List returns the connections sorted by id.
func (r *Registry) List() []domain.Connection {
	r.mu.RLock()
	out := make([]domain.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID() < out[j].ConnectionID() })
	return out
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors replacing the file are picked up.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.path == "" {
		return errors.New("registry has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	target := filepath.Clean(r.path)
	go func() {
		defer w.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				if err := r.Reload(); err != nil {
					r.log.Warn("connection policy reload failed", "path", r.path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
