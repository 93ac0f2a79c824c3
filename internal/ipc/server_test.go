package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/orchard/internal/orchestrator"
	"github.com/Iron-Ham/orchard/internal/status"
)

// fakeController counts invocations; block makes every command hang.
type fakeController struct {
	mu      sync.Mutex
	calls   map[string]int
	block   chan struct{}
	batch   int
	skipped []string
}

func newFakeController() *fakeController {
	return &fakeController{calls: make(map[string]int)}
}

func (f *fakeController) note(name string) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeController) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeController) Pause() error  { f.note("pause"); return nil }
func (f *fakeController) Resume() error { f.note("resume"); return nil }
func (f *fakeController) Cancel() error { f.note("cancel"); return nil }

func (f *fakeController) SetBatchSize(n int) error {
	f.note("setBatchSize")
	f.mu.Lock()
	f.batch = n
	f.mu.Unlock()
	return nil
}

func (f *fakeController) RetryTask(taskID string) error {
	f.note("retryTask")
	return nil
}

func (f *fakeController) SkipTask(taskID, reason string) error {
	f.note("skipTask")
	f.mu.Lock()
	f.skipped = append(f.skipped, taskID+":"+reason)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Status() (orchestrator.RunStatus, error) {
	f.note("status")
	return orchestrator.RunStatus{
		State:  orchestrator.StateRunning,
		PlanID: "plan-a",
		Counts: status.Counts{Total: 3, Completed: 1, Pending: 2},
	}, nil
}

func startServer(t *testing.T, ctrl Controller, opts ...ServerOption) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchard.sock")
	s, err := NewServer(path, ctrl, nil, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.Start()
	t.Cleanup(func() { s.Close() })
	return s
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial(s.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStatusRoundTrip(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != orchestrator.StateRunning || st.PlanID != "plan-a" {
		t.Errorf("status = %+v", st)
	}
	if st.Counts.Completed != 1 {
		t.Errorf("counts = %+v", st.Counts)
	}
}

func TestCommandsReachController(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)
	ctx := context.Background()

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := c.SetBatchSize(ctx, 5); err != nil {
		t.Fatalf("SetBatchSize: %v", err)
	}
	if err := c.SkipTask(ctx, "1.2", "manual"); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	if err := c.RetryTask(ctx, "1.3"); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	if ctrl.count("pause") != 1 || ctrl.count("resume") != 1 {
		t.Errorf("calls = %v", ctrl.calls)
	}
	if ctrl.batch != 5 {
		t.Errorf("batch = %d", ctrl.batch)
	}
	if len(ctrl.skipped) != 1 || ctrl.skipped[0] != "1.2:manual" {
		t.Errorf("skipped = %v", ctrl.skipped)
	}
}

// A retried request with the same ID replays the cached response; the
// command runs once.
func TestIdempotentReplay(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)

	req := Request{
		ProtocolVersion: ProtocolVersion,
		ID:              "retry-me",
		Command:         CommandPause,
	}
	first, err := c.SendRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := c.SendRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}

	if !first.Success || !second.Success {
		t.Errorf("responses = %+v, %+v", first, second)
	}
	if ctrl.count("pause") != 1 {
		t.Errorf("pause ran %d times, want 1", ctrl.count("pause"))
	}
}

func TestServerAssignsMissingID(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)

	resp, err := c.SendRequest(context.Background(), Request{
		ProtocolVersion: ProtocolVersion,
		Command:         CommandResume,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.ID == "" {
		t.Error("server did not assign an ID")
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)

	resp, err := c.SendRequest(context.Background(), Request{
		ProtocolVersion: ProtocolVersion + 1,
		ID:              "v2",
		Command:         CommandPause,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || !strings.Contains(resp.Error, "protocol version") {
		t.Errorf("response = %+v", resp)
	}
	if ctrl.count("pause") != 0 {
		t.Error("mismatched version still executed")
	}
}

func TestUnknownCommand(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)

	resp, err := c.Send(context.Background(), "selfDestruct", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("response = %+v", resp)
	}
}

// A hanging command times out for the caller without killing the server;
// later commands still work.
func TestHandlingTimeout(t *testing.T) {
	ctrl := newFakeController()
	ctrl.block = make(chan struct{})
	s := startServer(t, ctrl, WithHandleTimeout(50*time.Millisecond))
	c := dial(t, s)

	resp, err := c.Send(context.Background(), CommandPause, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || !strings.Contains(resp.Error, "ipc") {
		t.Errorf("response = %+v", resp)
	}

	// Unblock and verify the server survived. A closed channel makes
	// subsequent commands pass straight through.
	close(ctrl.block)
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status after timeout: %v", err)
	}
	if st.PlanID != "plan-a" {
		t.Errorf("status = %+v", st)
	}
}

func TestMultipleClients(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(s.Path())
			if err != nil {
				t.Errorf("Dial: %v", err)
				return
			}
			defer c.Close()
			for j := 0; j < 5; j++ {
				if err := c.Pause(context.Background()); err != nil {
					t.Errorf("Pause: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := ctrl.count("pause"); got != 20 {
		t.Errorf("pause calls = %d, want 20", got)
	}
}

func TestMalformedRequestLine(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)
	c := dial(t, s)

	if _, err := c.conn.Write([]byte("not json\n")); err != nil {
		t.Fatal(err)
	}
	if !c.scanner.Scan() {
		t.Fatal("no response to malformed request")
	}
	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || !strings.Contains(resp.Error, "malformed") {
		t.Errorf("response = %+v", resp)
	}
}

func TestStaleSocketRemoved(t *testing.T) {
	ctrl := newFakeController()
	path := filepath.Join(t.TempDir(), "orchard.sock")

	// Simulate a dead process leaving the socket file behind.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	s, err := NewServer(path, ctrl, nil)
	if err != nil {
		t.Fatalf("rebind over stale socket: %v", err)
	}
	s.Start()
	defer s.Close()

	c := dial(t, s)
	if err := c.Pause(context.Background()); err != nil {
		t.Errorf("Pause over rebound socket: %v", err)
	}
}

func TestSocketInUse(t *testing.T) {
	ctrl := newFakeController()
	s := startServer(t, ctrl)

	if _, err := NewServer(s.Path(), ctrl, nil); err == nil {
		t.Error("expected error binding a live socket twice")
	}
}
