package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/modoterra/diaglog/pkg/aggregator"
)

// ErrClosed is returned for requests on a closed connection.
var ErrClosed = errors.New("connection closed")

// EventHandler is called when the server pushes an event.
type EventHandler func(msg Message)

// Client connects to a diaglogd server over a Unix domain socket.
type Client struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	mu        sync.Mutex
	wmu       sync.Mutex
	pending   map[string]chan Message
	events    EventHandler
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	go c.readLoop()
	return c, nil
}

// OnEvent registers a handler for server-pushed events.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.events = h
	c.mu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Request sends a request and waits for the correlated response.
func (c *Client) Request(ctx context.Context, method string, data any) (Message, error) {
	msg, err := NewRequest(method, data)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	raw = append(raw, '\n')

	c.wmu.Lock()
	_, err = c.conn.Write(raw)
	c.wmu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("write: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, &RemoteError{Method: method, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClosed
	}
}

func (c *Client) call(ctx context.Context, method string, req, out any) error {
	resp, err := c.Request(ctx, method, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.UnmarshalData(out)
}

// Ping checks the daemon is alive.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var out PingResponse
	err := c.call(ctx, MethodPing, nil, &out)
	return out, err
}

// Stats fetches aggregator stats and source status.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var out StatsResponse
	err := c.call(ctx, MethodStats, nil, &out)
	return out, err
}

// Tail fetches the newest n retained lines.
func (c *Client) Tail(ctx context.Context, n int) (TailResponse, error) {
	var out TailResponse
	err := c.call(ctx, MethodTail, TailRequest{N: n}, &out)
	return out, err
}

// Export packages the buffer on the daemon without removing anything. Call
// Commit with the artifact's End once it is stored.
func (c *Client) Export(ctx context.Context) (ExportResponse, error) {
	var out ExportResponse
	err := c.call(ctx, MethodExport, ExportRequest{}, &out)
	return out, err
}

// ExportAndReset packages the buffer and removes the exported lines in one
// step. The lines are gone even if the response is lost.
func (c *Client) ExportAndReset(ctx context.Context) (ExportResponse, error) {
	var out ExportResponse
	err := c.call(ctx, MethodExport, ExportRequest{Reset: true}, &out)
	return out, err
}

// Commit removes the lines covered by an exported artifact.
func (c *Client) Commit(ctx context.Context, end uint64) (StatsResponse, error) {
	var out StatsResponse
	err := c.call(ctx, MethodCommit, CommitRequest{End: end}, &out)
	return out, err
}

// ExportTo exports the buffer, hands the artifact to store and commits only
// when store succeeds. On any error the daemon keeps every line.
func (c *Client) ExportTo(ctx context.Context, store func(*aggregator.Artifact) error) (ExportResponse, error) {
	resp, err := c.Export(ctx)
	if err != nil {
		return resp, err
	}
	if err := store(&resp.Artifact); err != nil {
		return resp, err
	}
	if _, err := c.Commit(ctx, resp.Artifact.End); err != nil {
		return resp, fmt.Errorf("artifact stored but not committed: %w", err)
	}
	return resp, nil
}

// Clear drops every retained line on the daemon.
func (c *Client) Clear(ctx context.Context) (StatsResponse, error) {
	var out StatsResponse
	err := c.call(ctx, MethodClear, nil, &out)
	return out, err
}

// ListSources lists configured sources.
func (c *Client) ListSources(ctx context.Context) (ListSourcesResponse, error) {
	var out ListSourcesResponse
	err := c.call(ctx, MethodListSources, nil, &out)
	return out, err
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for c.scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Type {
		case MsgTypeRes:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case MsgTypeEvt:
			c.mu.Lock()
			h := c.events
			c.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}
}
