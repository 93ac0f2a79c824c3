package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/logging"
	"github.com/Iron-Ham/orchard/internal/orchestrator"
)

// DefaultHandleTimeout bounds how long the server waits for a command
// before answering with a timeout. The command itself keeps running; the
// timeout protects the caller, not the orchestrator.
const DefaultHandleTimeout = 5 * time.Second

// responseCacheSize bounds the idempotency cache.
const responseCacheSize = 128

// Controller is the orchestrator surface the server drives.
// *orchestrator.Orchestrator satisfies it.
type Controller interface {
	Pause() error
	Resume() error
	Cancel() error
	SetBatchSize(n int) error
	RetryTask(taskID string) error
	SkipTask(taskID, reason string) error
	Status() (orchestrator.RunStatus, error)
}

// Server answers control requests on a unix domain socket. Multiple
// clients may connect; each connection's requests are answered in
// receipt order.
type Server struct {
	path       string
	controller Controller
	logger     *logging.Logger
	timeout    time.Duration

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	cache    map[string]Response
	cacheLRU []string
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHandleTimeout overrides the per-request handling bound.
func WithHandleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a server bound to the socket at path. A stale socket
// file from a dead process is removed before binding.
func NewServer(path string, controller Controller, logger *logging.Logger, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		path:       path,
		controller: controller,
		logger:     logger.WithComponent("ipc"),
		timeout:    DefaultHandleTimeout,
		cache:      make(map[string]Response),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := os.Stat(path); err == nil {
		if probe, dialErr := net.DialTimeout("unix", path, 100*time.Millisecond); dialErr != nil {
			_ = os.Remove(path)
		} else {
			probe.Close()
			return nil, fmt.Errorf("socket %s is already in use", path)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	s.listener = l
	return s, nil
}

// Start accepts connections until Close.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				s.logger.Warn("accept failed", "error", err)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(conn)
			}()
		}
	}()
}

// Close stops accepting, waits for in-flight connections and removes the
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(errResponse("", fmt.Errorf("malformed request: %w", err)))
			continue
		}
		resp := s.handle(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	if req.ProtocolVersion != ProtocolVersion {
		return errResponse(req.ID, fmt.Errorf("unsupported protocol version %d, want %d",
			req.ProtocolVersion, ProtocolVersion))
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Idempotent replay: a retried request gets the cached answer, the
	// command does not run twice.
	s.mu.Lock()
	if cached, ok := s.cache[req.ID]; ok {
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	resp := s.dispatch(req)

	s.mu.Lock()
	if _, ok := s.cache[req.ID]; !ok {
		s.cache[req.ID] = resp
		s.cacheLRU = append(s.cacheLRU, req.ID)
		if len(s.cacheLRU) > responseCacheSize {
			delete(s.cache, s.cacheLRU[0])
			s.cacheLRU = s.cacheLRU[1:]
		}
	}
	s.mu.Unlock()
	return resp
}

// dispatch runs the command, bounding how long the caller waits. On
// timeout the command keeps running and only the response degrades.
func (s *Server) dispatch(req Request) Response {
	done := make(chan Response, 1)
	go func() {
		done <- s.execute(req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-time.After(s.timeout):
		s.logger.Warn("command exceeded handling bound", "command", req.Command, "id", req.ID)
		return errResponse(req.ID, fmt.Errorf("%w: %v", errors.ErrIPCTimeout,
			errors.NewTimeoutError("control command", s.timeout)))
	}
}

func (s *Server) execute(req Request) Response {
	switch req.Command {
	case CommandStatus:
		st, err := s.controller.Status()
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, st)

	case CommandPause:
		return s.simple(req.ID, s.controller.Pause)

	case CommandResume:
		return s.simple(req.ID, s.controller.Resume)

	case CommandCancel:
		return s.simple(req.ID, s.controller.Cancel)

	case CommandSetBatchSize:
		var p SetBatchSizePayload
		if err := unmarshalPayload(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		return s.simple(req.ID, func() error { return s.controller.SetBatchSize(p.BatchSize) })

	case CommandRetryTask:
		var p TaskPayload
		if err := unmarshalPayload(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		return s.simple(req.ID, func() error { return s.controller.RetryTask(p.TaskID) })

	case CommandSkipTask:
		var p TaskPayload
		if err := unmarshalPayload(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		return s.simple(req.ID, func() error { return s.controller.SkipTask(p.TaskID, p.Reason) })

	default:
		return errResponse(req.ID, fmt.Errorf("%w: %q", errors.ErrUnknownCommand, req.Command))
	}
}

func (s *Server) simple(id string, fn func() error) Response {
	if err := fn(); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, nil)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

var _ Controller = (*orchestrator.Orchestrator)(nil)
