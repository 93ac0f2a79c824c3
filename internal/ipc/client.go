package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/orchard/internal/orchestrator"
)

// Client talks to a running engine's control socket. Not safe for
// concurrent use; callers wanting parallel commands open one client per
// goroutine.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &Client{
		conn:    conn,
		scanner: scanner,
		enc:     json.NewEncoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send issues one command and waits for its response. ctx bounds the
// wait; the request ID is assigned here so a retry with SendRequest can
// replay it idempotently.
func (c *Client) Send(ctx context.Context, command string, payload any) (Response, error) {
	req := Request{
		ProtocolVersion: ProtocolVersion,
		ID:              uuid.NewString(),
		Command:         command,
		Timestamp:       time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = raw
	}
	return c.SendRequest(ctx, req)
}

// SendRequest issues a pre-built request. Reusing a request ID replays
// the server's cached response instead of re-executing the command.
func (c *Client) SendRequest(ctx context.Context, req Request) (Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		return Response{}, fmt.Errorf("connection closed by server")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Status fetches and decodes the run status.
func (c *Client) Status(ctx context.Context) (orchestrator.RunStatus, error) {
	resp, err := c.Send(ctx, CommandStatus, nil)
	if err != nil {
		return orchestrator.RunStatus{}, err
	}
	if !resp.Success {
		return orchestrator.RunStatus{}, fmt.Errorf("status: %s", resp.Error)
	}
	var st orchestrator.RunStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return orchestrator.RunStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Pause requests a pause.
func (c *Client) Pause(ctx context.Context) error {
	return c.command(ctx, CommandPause, nil)
}

// Resume requests a resume.
func (c *Client) Resume(ctx context.Context) error {
	return c.command(ctx, CommandResume, nil)
}

// Cancel requests cancellation.
func (c *Client) Cancel(ctx context.Context) error {
	return c.command(ctx, CommandCancel, nil)
}

// SetBatchSize changes the dispatch cap.
func (c *Client) SetBatchSize(ctx context.Context, n int) error {
	return c.command(ctx, CommandSetBatchSize, SetBatchSizePayload{BatchSize: n})
}

// RetryTask requeues a failed task.
func (c *Client) RetryTask(ctx context.Context, taskID string) error {
	return c.command(ctx, CommandRetryTask, TaskPayload{TaskID: taskID})
}

// SkipTask skips a task.
func (c *Client) SkipTask(ctx context.Context, taskID, reason string) error {
	return c.command(ctx, CommandSkipTask, TaskPayload{TaskID: taskID, Reason: reason})
}

func (c *Client) command(ctx context.Context, name string, payload any) error {
	resp, err := c.Send(ctx, name, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", name, resp.Error)
	}
	return nil
}
