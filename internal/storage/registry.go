package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// kbNameRE bounds KB names so they are safe as file names.
var kbNameRE = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidKBName reports whether name is acceptable for a knowledge base.
func ValidKBName(name string) bool {
	return kbNameRE.MatchString(name)
}

// Registry manages the per-KB database files under <data-dir>/kb/.
type Registry struct {
	dir string
}

// NewRegistry creates a Registry rooted at dataDir. The kb/
// subdirectory is created lazily on first Create.
func NewRegistry(dataDir string) *Registry {
	return &Registry{dir: filepath.Join(dataDir, "kb")}
}

// Path returns the database file path for a KB name.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, name+".db")
}

// List returns the names of all existing KBs, sorted.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading kb directory: %w", err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".db"))
	}
	sort.Strings(names)
	return names, nil
}

// Create makes a new empty KB with a migrated schema. Returns
// ErrInvalidName or ErrExists without touching disk.
func (r *Registry) Create(name string) error {
	if !ValidKBName(name) {
		return ErrInvalidName
	}
	if _, err := os.Stat(r.Path(name)); err == nil {
		return ErrExists
	}

	s, err := Open(r.Path(name))
	if err != nil {
		return fmt.Errorf("creating kb %s: %w", name, err)
	}
	return s.Close()
}

// Open opens an existing KB. Returns ErrNotFound when no database file
// exists for the name.
func (r *Registry) Open(name string) (*Store, error) {
	if !ValidKBName(name) {
		return nil, ErrInvalidName
	}
	if _, err := os.Stat(r.Path(name)); err != nil {
		return nil, ErrNotFound
	}
	return Open(r.Path(name))
}
