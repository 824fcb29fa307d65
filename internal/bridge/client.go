package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	dialTimeout     = 5 * time.Second
	responseTimeout = 45 * time.Second
)

// RemoteError is returned by Client.Send when the peer answered with a failed
// response.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: peer rejected %s command: %s", e.Kind, e.Message)
}

// Client delivers commands to a sibling's Server. Each Send opens a fresh
// connection.
type Client struct {
	addr string
}

// NewClient creates a Client for the Unix socket at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Addr returns the socket path the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Send writes cmd to the peer and waits for its response.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.addr)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := newEncoder(conn).Encode(cmd); err != nil {
		return fmt.Errorf("bridge: write command: %w", err)
	}

	var resp response
	if err := newDecoder(io.LimitReader(conn, maxCommandSize)).Decode(&resp); err != nil {
		return fmt.Errorf("bridge: read response: %w", err)
	}
	if !resp.OK {
		return &RemoteError{Kind: cmd.Kind, Message: resp.Error}
	}
	return nil
}
