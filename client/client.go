// Package client is a thin Go SDK over the pool's TCP wire protocol: a
// small set of methods that dial, frame a request, and decode the
// response, with no behavior of their own beyond that.
package client

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/sharedmem/poold/internal/protocol"
)

// Client is a connection to one pool server. It is not safe for concurrent
// use by multiple goroutines; callers wanting concurrency should use one
// Client per goroutine or guard it with their own lock, mirroring the
// server's one-goroutine-per-connection model.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to addr with the given request/response timeout applied to
// every call (zero disables timeouts).
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(cmd byte, operand []byte) (byte, []byte, error) {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := protocol.WriteRequest(c.conn, cmd, operand); err != nil {
		return 0, nil, fmt.Errorf("client: write request: %w", err)
	}
	code, payload, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return 0, nil, fmt.Errorf("client: read response: %w", err)
	}
	return code, payload, nil
}

// requestError turns a non-OK status into a Go error carrying the server's
// payload (its error message, by convention of the dispatcher).
func requestError(code byte, payload []byte) error {
	return fmt.Errorf("client: server returned status %d: %s", code, payload)
}

// Ping round-trips a liveness check.
func (c *Client) Ping() error {
	code, payload, err := c.roundTrip(protocol.CmdPing, nil)
	if err != nil {
		return err
	}
	if code != protocol.StatusOK {
		return requestError(code, payload)
	}
	return nil
}

// Allocate stores data under a new id with the given description and
// returns the assigned Memory-ID.
func (c *Client) Allocate(description string, data []byte) (string, error) {
	operand := append([]byte(description+"\x00"), data...)
	code, payload, err := c.roundTrip(protocol.CmdAlloc, operand)
	if err != nil {
		return "", err
	}
	if code != protocol.StatusOK {
		return "", requestError(code, payload)
	}
	return string(payload), nil
}

// Read returns the raw, page-padded bytes stored under id.
func (c *Client) Read(id string) ([]byte, error) {
	code, payload, err := c.roundTrip(protocol.CmdRead, []byte(id))
	if err != nil {
		return nil, err
	}
	if code != protocol.StatusOK {
		return nil, requestError(code, payload)
	}
	return payload, nil
}

// Update overwrites the payload stored under id.
func (c *Client) Update(id string, data []byte) error {
	operand := append([]byte(id+"\x00"), data...)
	code, payload, err := c.roundTrip(protocol.CmdUpdate, operand)
	if err != nil {
		return err
	}
	if code != protocol.StatusOK {
		return requestError(code, payload)
	}
	return nil
}

// Free releases id.
func (c *Client) Free(id string) error {
	code, payload, err := c.roundTrip(protocol.CmdDelete, []byte(id))
	if err != nil {
		return err
	}
	if code != protocol.StatusOK {
		return requestError(code, payload)
	}
	return nil
}

// Status returns the server's human-readable status report. A brief report
// omits the per-entry listing.
func (c *Client) Status(brief bool) (string, error) {
	var operand []byte
	if brief {
		operand = []byte("brief")
	}
	code, payload, err := c.roundTrip(protocol.CmdStatus, operand)
	if err != nil {
		return "", err
	}
	if code != protocol.StatusOK {
		return "", requestError(code, payload)
	}
	return string(payload), nil
}

// Compact requests an immediate compaction pass.
func (c *Client) Compact() error {
	code, payload, err := c.roundTrip(protocol.CmdCompact, nil)
	if err != nil {
		return err
	}
	if code != protocol.StatusOK {
		return requestError(code, payload)
	}
	return nil
}

// Reset destroys every blob on the server and restarts its id counter.
func (c *Client) Reset() error {
	code, payload, err := c.roundTrip(protocol.CmdReset, nil)
	if err != nil {
		return err
	}
	if code != protocol.StatusOK {
		return requestError(code, payload)
	}
	return nil
}

// TrimNUL strips a single trailing NUL-padded tail from a Read payload,
// for callers that stored a NUL-terminated string and want it back
// without the page's zero padding (allocation always reserves one extra
// byte past the requested length for exactly this purpose).
func TrimNUL(data []byte) []byte {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return data[:i]
	}
	return data
}
