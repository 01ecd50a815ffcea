package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/cobalt/asm"
	"github.com/chazu/cobalt/chunk"
	"github.com/chazu/cobalt/profile"
	"github.com/chazu/cobalt/vm"
)

// ExecutionService implements the ExecutionService Connect handler.
type ExecutionService struct {
	sessions *SessionStore
	store    *profile.Store
}

// NewExecutionService creates an ExecutionService. store may be nil.
func NewExecutionService(sessions *SessionStore, store *profile.Store) *ExecutionService {
	return &ExecutionService{sessions: sessions, store: store}
}

// NewExecutionServiceHandler builds an HTTP handler that serves svc under
// the returned path prefix.
func NewExecutionServiceHandler(svc *ExecutionService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure, svc.CreateSession, opts...))
	mux.Handle(DestroySessionProcedure, connect.NewUnaryHandler(DestroySessionProcedure, svc.DestroySession, opts...))
	mux.Handle(LoadProcedure, connect.NewUnaryHandler(LoadProcedure, svc.Load, opts...))
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, svc.Execute, opts...))
	return "/" + ServiceName + "/", mux
}

// CreateSession creates a new session with a fresh VM.
func (s *ExecutionService) CreateSession(
	ctx context.Context,
	req *connect.Request[CreateSessionRequest],
) (*connect.Response[CreateSessionResponse], error) {
	session := s.sessions.Create(req.Msg.Name)
	return connect.NewResponse(&CreateSessionResponse{
		SessionID: session.ID,
	}), nil
}

// DestroySession destroys a session and stops its VM.
func (s *ExecutionService) DestroySession(
	ctx context.Context,
	req *connect.Request[DestroySessionRequest],
) (*connect.Response[DestroySessionResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	if _, ok := s.sessions.Get(req.Msg.SessionID); !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	if err := s.sessions.Destroy(req.Msg.SessionID); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&DestroySessionResponse{}), nil
}

// Load decodes or assembles a program, validates it and stores it in the
// session under its content hash.
func (s *ExecutionService) Load(
	ctx context.Context,
	req *connect.Request[LoadRequest],
) (*connect.Response[LoadResponse], error) {
	msg := req.Msg
	session, err := s.session(msg.SessionID)
	if err != nil {
		return nil, err
	}

	var p *vm.Proto
	switch {
	case len(msg.Chunk) > 0 && msg.Listing != "":
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("set chunk or listing, not both"))
	case len(msg.Chunk) > 0:
		p, err = chunk.Unmarshal(msg.Chunk)
	case msg.Listing != "":
		name := msg.Name
		if name == "" {
			name = "=" + session.ID
		}
		p, err = asm.Assemble(msg.Listing, name)
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("chunk or listing is required"))
	}
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	h, err := chunk.Hash(p)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	key := chunk.HashString(h)
	session.addProgram(key, p)

	resp := &LoadResponse{Hash: key, Functions: profile.Count(p)}
	if s.store != nil && session.profiler != nil {
		n, err := s.store.Load(p, session.profiler)
		if err != nil && !errors.Is(err, profile.ErrNotFound) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp.Seeded = n
	}
	return connect.NewResponse(resp), nil
}

// Execute runs a loaded program on the session's main thread.
func (s *ExecutionService) Execute(
	ctx context.Context,
	req *connect.Request[ExecuteRequest],
) (*connect.Response[ExecuteResponse], error) {
	msg := req.Msg
	session, err := s.session(msg.SessionID)
	if err != nil {
		return nil, err
	}
	p, ok := session.program(msg.Hash)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("program %q not loaded", msg.Hash))
	}

	args := make([]vm.Value, len(msg.Args))
	for i, a := range msg.Args {
		args[i] = a.Value()
	}

	if msg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := session.worker.Do(ctx, func(g *vm.State) (any, error) {
		session.output.Reset()
		values, err := g.Do(ctx, p, args...)
		resp := &ExecuteResponse{Output: session.output.String()}
		if err != nil {
			resp.Error = toWireError(err)
			return resp, nil
		}
		for _, v := range values {
			resp.Results = append(resp.Results, ToWire(v))
		}
		return resp, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(result.(*ExecuteResponse)), nil
}

func (s *ExecutionService) session(id string) (*Session, error) {
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return session, nil
}
