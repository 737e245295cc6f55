// Package catalog is the authoritative registry of known models: a built-in
// list baked into the binary plus user-registered entries persisted to a JSON
// file in the per-user cache directory.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

var (
	// ErrModelNotFound indicates that the requested identifier is not in the
	// catalog.
	ErrModelNotFound = errors.New("model not found")
	// ErrAlreadyExists indicates a registration conflict with an existing
	// identifier.
	ErrAlreadyExists = errors.New("model already registered")
	// ErrReservedName indicates an attempt to shadow a built-in identifier.
	ErrReservedName = errors.New("model name is reserved by a built-in entry")
)

// UserModelsFile is the file name of the persisted user catalog, relative to
// the server cache directory.
const UserModelsFile = "user_models.json"

// Filter constrains the result of List.
type Filter struct {
	// Label, if non-empty, restricts results to entries advertising it.
	Label string
	// Family, if non-empty, restricts results to one backend family.
	Family inference.Family
	// Installed, if non-nil, restricts results to entries for which the
	// predicate reports local weights present.
	Installed func(ModelEntry) bool
}

// Catalog maps model identifiers to entries. Lookups take a read lock;
// registrations take the write lock and persist the user file atomically.
type Catalog struct {
	log      logging.Logger
	userPath string

	mu      sync.RWMutex
	entries map[string]ModelEntry
}

// New creates a catalog from the built-in model list plus any entries found
// in the user catalog file under cacheDir. A missing user file is not an
// error; a malformed one is.
func New(log logging.Logger, cacheDir string) (*Catalog, error) {
	c := &Catalog{
		log:      log,
		userPath: filepath.Join(cacheDir, UserModelsFile),
		entries:  make(map[string]ModelEntry),
	}
	for _, entry := range builtinEntries() {
		c.entries[entry.Name] = entry
	}
	if err := c.loadUserEntries(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadUserEntries() error {
	data, err := os.ReadFile(c.userPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading user catalog: %w", err)
	}
	var userEntries []ModelEntry
	if err := json.Unmarshal(data, &userEntries); err != nil {
		return fmt.Errorf("parsing user catalog %s: %w", c.userPath, err)
	}
	for _, entry := range userEntries {
		if existing, ok := c.entries[entry.Name]; ok && existing.builtin {
			c.log.Warnf("Ignoring user catalog entry %s: name reserved by built-in", entry.Name)
			continue
		}
		if !entry.Family.Known() {
			c.log.Warnf("Ignoring user catalog entry %s: unknown family %q", entry.Name, entry.Family)
			continue
		}
		c.entries[entry.Name] = entry
	}
	return nil
}

// Lookup resolves an identifier to its entry. Identifiers are case-sensitive.
func (c *Catalog) Lookup(name string) (ModelEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[name]
	if !ok {
		return ModelEntry{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return entry, nil
}

// List returns the entries matching the filter, ordered by name.
func (c *Catalog) List(filter Filter) []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]ModelEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		if filter.Label != "" && !entry.HasLabel(filter.Label) {
			continue
		}
		if filter.Family != "" && entry.Family != filter.Family {
			continue
		}
		if filter.Installed != nil && !filter.Installed(entry) {
			continue
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Register adds a user entry and persists the user catalog file. Built-in
// identifiers are reserved.
func (c *Catalog) Register(entry ModelEntry) error {
	if entry.Name == "" {
		return errors.New("model name is required")
	}
	if !entry.Family.Known() {
		return fmt.Errorf("unknown family %q", entry.Family)
	}
	entry.builtin = false

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[entry.Name]; ok {
		if existing.builtin {
			return fmt.Errorf("%w: %s", ErrReservedName, entry.Name)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyExists, entry.Name)
	}
	c.entries[entry.Name] = entry
	if err := c.persistUserEntriesLocked(); err != nil {
		delete(c.entries, entry.Name)
		return err
	}
	c.log.Infof("Registered user model %s (%s)", entry.Name, entry.Family)
	return nil
}

// persistUserEntriesLocked writes the user catalog via temp file + rename so
// a crash never leaves a truncated file behind. The caller must hold the
// write lock.
func (c *Catalog) persistUserEntriesLocked() error {
	userEntries := make([]ModelEntry, 0)
	for _, entry := range c.entries {
		if !entry.builtin {
			userEntries = append(userEntries, entry)
		}
	}
	sort.Slice(userEntries, func(i, j int) bool {
		return userEntries[i].Name < userEntries[j].Name
	})
	data, err := json.MarshalIndent(userEntries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.userPath), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.userPath), UserModelsFile+".*")
	if err != nil {
		return fmt.Errorf("creating temp catalog: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.userPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing user catalog: %w", err)
	}
	return nil
}
