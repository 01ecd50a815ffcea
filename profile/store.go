// Package profile persists invocation profiles across runs. Profiles are
// stored in SQLite, keyed by the content hash of the chunk they were
// recorded against and the position of each prototype in the chunk's
// prototype tree.
package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/cobalt/chunk"
	"github.com/chazu/cobalt/vm"
)

// ErrNotFound indicates no profile was saved for a chunk.
var ErrNotFound = errors.New("profile not found")

// Store handles SQLite storage for profiles.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log commonlog.Logger
}

// Entry is one stored prototype profile.
type Entry struct {
	Path        string // position in the prototype tree; "" is the main function
	Name        string // function <source:line>
	Invocations uint64
	Hot         bool
}

// Open opens or creates the profile database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			hash TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS protos (
			hash TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			invocations INTEGER NOT NULL,
			hot INTEGER NOT NULL,
			PRIMARY KEY (hash, path)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}

	return &Store{db: db, log: commonlog.GetLogger("cobalt.profile")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save replaces the stored profile of the chunk rooted at root with the
// counts prof has recorded for its prototypes.
func (s *Store) Save(root *vm.Proto, prof *vm.Profiler) error {
	h, err := chunk.Hash(root)
	if err != nil {
		return err
	}
	key := chunk.HashString(h)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO chunks (hash, source, updated) VALUES (?, ?, ?)",
		key, root.Source, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("saving chunk: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM protos WHERE hash = ?", key); err != nil {
		return fmt.Errorf("clearing profile: %w", err)
	}

	saved := 0
	err = Walk(root, func(path string, p *vm.Proto) error {
		pp := prof.Profile(p)
		if pp == nil {
			return nil
		}
		n := atomic.LoadUint64(&pp.InvocationCount)
		if _, err := tx.Exec(
			"INSERT INTO protos (hash, path, name, invocations, hot) VALUES (?, ?, ?, ?, ?)",
			key, path, p.String(), int64(n), pp.IsHot(),
		); err != nil {
			return fmt.Errorf("saving proto %s: %w", path, err)
		}
		saved++
		return nil
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	s.log.Debugf("saved profile %s: %d functions", key[:12], saved)
	return nil
}

// Entries returns the stored profile of the chunk with the given hash,
// ordered by path.
func (s *Store) Entries(hash [32]byte) ([]Entry, error) {
	key := chunk.HashString(hash)
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM chunks WHERE hash = ?", key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chunk: %w", err)
	}

	rows, err := s.db.Query(
		"SELECT path, name, invocations, hot FROM protos WHERE hash = ? ORDER BY path", key)
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var n int64
		if err := rows.Scan(&e.Path, &e.Name, &n, &e.Hot); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		e.Invocations = uint64(n)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Load seeds prof with the counts stored for root's chunk and returns the
// number of prototypes seeded. Seeding can make prototypes hot before they
// run, so a native implementation can be installed ahead of time.
func (s *Store) Load(root *vm.Proto, prof *vm.Profiler) (int, error) {
	hash, err := chunk.Hash(root)
	if err != nil {
		return 0, err
	}
	entries, err := s.Entries(hash)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, e := range entries {
		p, err := Lookup(root, e.Path)
		if err != nil {
			s.log.Warningf("stale profile entry %q: %v", e.Path, err)
			continue
		}
		prof.Seed(p, e.Invocations)
		seeded++
	}
	return seeded, nil
}

// Forget removes the stored profile of the chunk with the given hash.
func (s *Store) Forget(hash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chunk.HashString(hash)
	if _, err := s.db.Exec("DELETE FROM protos WHERE hash = ?", key); err != nil {
		return fmt.Errorf("forgetting profile: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM chunks WHERE hash = ?", key); err != nil {
		return fmt.Errorf("forgetting chunk: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Prototype paths
// ---------------------------------------------------------------------------

// Walk calls fn for root and each nested prototype with its path: "" for
// root, then child indices joined by '/', such as "0/2".
func Walk(root *vm.Proto, fn func(path string, p *vm.Proto) error) error {
	return walk("", root, fn)
}

func walk(path string, p *vm.Proto, fn func(string, *vm.Proto) error) error {
	if err := fn(path, p); err != nil {
		return err
	}
	for i, child := range p.Protos {
		childPath := strconv.Itoa(i)
		if path != "" {
			childPath = path + "/" + childPath
		}
		if err := walk(childPath, child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of prototypes in root's tree, root included.
func Count(root *vm.Proto) int {
	n := 1
	for _, child := range root.Protos {
		n += Count(child)
	}
	return n
}

// Lookup resolves a path produced by Walk.
func Lookup(root *vm.Proto, path string) (*vm.Proto, error) {
	p := root
	if path == "" {
		return p, nil
	}
	for _, part := range strings.Split(path, "/") {
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 || i >= len(p.Protos) {
			return nil, fmt.Errorf("no prototype at %q", path)
		}
		p = p.Protos[i]
	}
	return p, nil
}
