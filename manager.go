package docdb

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const dbFileExt = ".docdb"

var validDatabaseName = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// IsValidDatabaseName reports whether name can be used with a Manager.
func IsValidDatabaseName(name string) bool {
	return validDatabaseName.MatchString(name)
}

// Manager opens named databases stored side by side in one directory.
// Each database is "<name>.docdb" plus "<name> attachments"; slashes in
// names are stored as colons.
type Manager struct {
	dir string
	opt Options

	mu     sync.Mutex
	dbs    map[string]*Database
	closed bool
}

// NewManager creates dir if needed. opt is the template for every database
// the manager opens; Name and AttachmentsDir are set per database.
func NewManager(dir string, opt Options) (*Manager, error) {
	if !opt.InMemory && opt.Backend != BackendMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapStorageErr("manager", err)
		}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Manager{
		dir: dir,
		opt: opt,
		dbs: make(map[string]*Database),
	}, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) paths(name string) (path, attachments string) {
	base := filepath.Join(m.dir, strings.ReplaceAll(name, "/", ":"))
	return base + dbFileExt, base + " attachments"
}

func (m *Manager) checkName(name string) error {
	if !IsValidDatabaseName(name) {
		return newErr(StatusBadID, "manager", "", "", nil, "invalid database name %q", name)
	}
	return nil
}

// Database returns the named database, opening or creating it on first use.
func (m *Manager) Database(name string) (*Database, error) {
	return m.open(name, true)
}

// ExistingDatabase is like Database but fails with StatusNotFound instead
// of creating a database.
func (m *Manager) ExistingDatabase(name string) (*Database, error) {
	return m.open(name, false)
}

func (m *Manager) open(name string, create bool) (*Database, error) {
	if err := m.checkName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if db := m.dbs[name]; db != nil {
		return db, nil
	}

	path, attachments := m.paths(name)
	if !create && !m.persisted(path) {
		return nil, newErr(StatusNotFound, "manager", "", "", nil, "no database %q", name)
	}
	opt := m.opt
	opt.Name = name
	opt.AttachmentsDir = ""
	if !m.inMemory() {
		opt.AttachmentsDir = attachments
	}
	db, err := Open(path, opt)
	if err != nil {
		return nil, err
	}
	m.dbs[name] = db
	m.opt.Logger.Debug("manager: opened", zap.String("db", name))
	return db, nil
}

func (m *Manager) inMemory() bool {
	return m.opt.InMemory || m.opt.Backend == BackendMemory
}

func (m *Manager) persisted(path string) bool {
	if m.inMemory() {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// AllDatabaseNames lists databases that exist on disk or are open, sorted.
func (m *Manager) AllDatabaseNames() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(m.dbs))
	for name := range m.dbs {
		seen[name] = true
	}
	if !m.inMemory() {
		entries, err := os.ReadDir(m.dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, wrapStorageErr("manager", err)
		}
		for _, e := range entries {
			base, ok := strings.CutSuffix(e.Name(), dbFileExt)
			if !ok {
				continue
			}
			name := strings.ReplaceAll(base, ":", "/")
			if IsValidDatabaseName(name) {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteDatabase closes the named database if open and removes its files.
// Deleting a database that does not exist returns StatusNotFound.
func (m *Manager) DeleteDatabase(name string) error {
	if err := m.checkName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	path, attachments := m.paths(name)
	db := m.dbs[name]
	if db == nil && !m.persisted(path) {
		return newErr(StatusNotFound, "manager", "", "", nil, "no database %q", name)
	}
	if db != nil {
		delete(m.dbs, name)
		if err := db.Close(); err != nil {
			return err
		}
	}
	if m.inMemory() {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return wrapStorageErr("delete database", err)
	}
	if err := os.RemoveAll(attachments); err != nil {
		return wrapStorageErr("delete database", err)
	}
	m.opt.Logger.Info("manager: deleted", zap.String("db", name))
	return nil
}

// Close closes every open database. The manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.dbs, name)
	}
	return errors.Join(errs...)
}
