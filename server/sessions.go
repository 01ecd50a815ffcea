package server

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/cobalt/profile"
	"github.com/chazu/cobalt/vm"
)

// Session is an isolated VM with its own globals and loaded programs.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	worker   *VMWorker
	profiler *vm.Profiler
	output   *bytes.Buffer // written only on the worker goroutine

	mu       sync.Mutex
	programs map[string]*vm.Proto // by chunk hash
}

func (s *Session) program(hash string) (*vm.Proto, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[hash]
	return p, ok
}

func (s *Session) addProgram(hash string, p *vm.Proto) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[hash] = p
}

func (s *Session) loaded() []*vm.Proto {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*vm.Proto, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	return out
}

// SessionStore manages sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	options func() vm.Options
	store   *profile.Store
	log     commonlog.Logger
}

// NewSessionStore creates a session store. options is called once per
// session so collectors and profilers are never shared; store may be nil.
func NewSessionStore(options func() vm.Options, store *profile.Store) *SessionStore {
	if options == nil {
		options = func() vm.Options { return vm.Options{} }
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		options:  options,
		store:    store,
		log:      commonlog.GetLogger("cobalt.server"),
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) *Session {
	opts := s.options()
	out := &bytes.Buffer{}
	opts.Stdout = out
	if opts.Profiler == nil && s.store != nil {
		opts.Profiler = vm.NewProfiler()
	}
	g := vm.NewState(opts)
	vm.OpenLibraries(g)

	session := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Created:  time.Now(),
		worker:   NewVMWorker(g),
		profiler: opts.Profiler,
		output:   out,
		programs: make(map[string]*vm.Proto),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.log.Infof("session %s created (%q)", session.ID, name)
	return session
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session, saves its profiles and stops its VM.
func (s *SessionStore) Destroy(id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}

	var first error
	if s.store != nil && session.profiler != nil {
		for _, p := range session.loaded() {
			if err := s.store.Save(p, session.profiler); err != nil {
				s.log.Errorf("session %s: saving profile: %v", id, err)
				if first == nil {
					first = err
				}
			}
		}
	}
	if err := session.worker.Stop(); err != nil && first == nil {
		first = err
	}
	s.log.Infof("session %s destroyed", id)
	return first
}

// DestroyAll destroys every session.
func (s *SessionStore) DestroyAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		_ = s.Destroy(id)
	}
}
