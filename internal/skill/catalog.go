package skill

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Catalog holds the loaded skill definitions, keyed by name. Reads vastly
// outnumber writes; reloads swap definitions under the write lock.
type Catalog struct {
	mu     sync.RWMutex
	skills map[string]Definition
	logger *slog.Logger
}

// NewCatalog returns an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{skills: make(map[string]Definition), logger: logger}
}

// Add validates and registers a definition, replacing any previous
// definition with the same name.
func (c *Catalog) Add(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.skills[def.Name]; exists {
		c.logger.Info("skill: replacing definition", "skill", def.Name, "version", def.Version)
	}
	c.skills[def.Name] = def.Clone()
	return nil
}

// Get returns a deep copy of the named definition.
func (c *Catalog) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.skills[name]
	if !ok {
		return Definition{}, false
	}
	return def.Clone(), true
}

// Names returns the sorted names of all registered skills.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.skills))
	for name := range c.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered skills.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.skills)
}

// LoadDir loads every *.yaml / *.yml file in dir into a new catalog.
// Files are loaded in sorted order; a later file may replace an earlier
// definition of the same name. A missing directory is an error, an empty
// one is not.
func LoadDir(dir string, logger *slog.Logger) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("skill: read catalog dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	cat := NewCatalog(logger)
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // path comes from validated config
		if err != nil {
			return nil, fmt.Errorf("skill: read %s: %w", name, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("skill: load %s: %w", name, err)
		}
		if err := cat.Add(def); err != nil {
			return nil, fmt.Errorf("skill: load %s: %w", name, err)
		}
	}
	cat.logger.Info("skill: catalog loaded", "dir", dir, "skills", cat.Len())
	return cat, nil
}
