// Package templates loads and serves immutable agent definitions from
// a configuration directory: one JSON file per template, validated
// against a schema, hot-reloadable under a write lock.
package templates

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// Registry holds the loaded agent templates. Reads take the read lock;
// Reload takes the write lock, which blocks new turn starts for the
// duration of the reload.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*models.AgentTemplate
	logger    *slog.Logger
}

// NewRegistry creates an empty registry rooted at dir. Call Load to
// populate it; an empty or missing directory yields the built-in
// defaults.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:       dir,
		templates: map[string]*models.AgentTemplate{},
		logger:    logger,
	}
}

// Load scans the template directory and replaces the registry contents.
// Files that fail to parse or validate are skipped with a warning; a
// single bad file never takes down the registry. When the directory
// holds no usable templates the built-in defaults are installed.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := map[string]*models.AgentTemplate{}

	entries, err := os.ReadDir(r.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		tmpl, err := loadTemplateFile(path)
		if err != nil {
			r.logger.Warn("skipping template file", "path", path, "error", err)
			continue
		}
		loaded[tmpl.Name] = tmpl
	}

	if len(loaded) == 0 {
		for _, tmpl := range defaultTemplates() {
			loaded[tmpl.Name] = tmpl
		}
		r.logger.Info("no templates on disk, using built-in defaults", "count", len(loaded))
	}

	r.templates = loaded
	r.logger.Info("templates loaded", "count", len(loaded), "dir", r.dir)
	return nil
}

// Reload re-runs Load; the watcher calls it on file changes.
func (r *Registry) Reload() error { return r.Load() }

// Get returns the named template.
func (r *Registry) Get(name string) (*models.AgentTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[name]
	if !ok {
		return nil, models.NewError(models.KindTemplateNotFound, "template %q not found", name)
	}
	return tmpl, nil
}

// Register installs a template programmatically, replacing any
// same-named entry.
func (r *Registry) Register(tmpl *models.AgentTemplate) error {
	if tmpl == nil || tmpl.Name == "" {
		return fmt.Errorf("template requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tmpl.Name] = tmpl
	return nil
}

// List returns the registered template names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// BuildAgent materializes a template into a per-turn working agent:
// tool specs are synthesized from the tool definitions, and handoff
// specs are carried over in their raw form for the handoff engine to
// normalize.
func (r *Registry) BuildAgent(tmpl *models.AgentTemplate) *llm.Agent {
	agent := &llm.Agent{
		Name:          tmpl.Name,
		Instructions:  tmpl.Instructions,
		Model:         tmpl.Model,
		ModelSettings: tmpl.ModelSettings,
	}
	for _, tool := range tmpl.Tools {
		agent.Tools = append(agent.Tools, llm.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: toolSchema(tool),
		})
	}
	for _, spec := range tmpl.Handoffs {
		agent.Handoffs = append(agent.Handoffs, spec)
	}
	return agent
}

func toolSchema(tool models.ToolDef) json.RawMessage {
	properties := tool.Config.Parameters
	if properties == nil {
		properties = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(tool.Config.Required) > 0 {
		schema["required"] = tool.Config.Required
	}
	data, _ := json.Marshal(schema)
	return data
}

func loadTemplateFile(path string) (*models.AgentTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateTemplate(data); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	var tmpl models.AgentTemplate
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if tmpl.Name == "" {
		tmpl.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &tmpl, nil
}
