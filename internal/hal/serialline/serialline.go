// Package serialline is the transport adapter for the instrument's
// text-line serial devices: one ASCII command per write, one '\n'-terminated
// reply per read. Controllers own the request/response vocabulary; this
// package owns bytes and deadlines only.
package serialline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goburrow/serial"
)

// ErrTimeout reports an expired read deadline, normalized across the real
// port and test transports.
var ErrTimeout = errors.New("serialline: read timeout")

// Config is the minimal port config.
type Config struct {
	Address  string // e.g. "/dev/ttyUSB0"
	BaudRate int
	Timeout  time.Duration // per-read deadline
}

// Client is one open line-oriented connection. Not safe for concurrent
// use; callers serialize through their controller lock.
type Client struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
}

// Open opens the serial port.
func Open(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("serialline: address required")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serialline: open %s: %w", cfg.Address, err)
	}
	return New(port), nil
}

// New wraps an already-open transport. Used by tests with an in-memory
// scripted transport.
func New(rwc io.ReadWriteCloser) *Client {
	return &Client{rwc: rwc, r: bufio.NewReader(rwc)}
}

// RoundTrip writes one command line and reads one reply line.
func (c *Client) RoundTrip(cmd string) (string, error) {
	if c == nil || c.rwc == nil {
		return "", errors.New("serialline: closed")
	}
	if _, err := io.WriteString(c.rwc, cmd+"\n"); err != nil {
		return "", fmt.Errorf("serialline: write: %w", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, serial.ErrTimeout) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("serialline: read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close releases the port.
func (c *Client) Close() error {
	if c == nil || c.rwc == nil {
		return nil
	}
	return c.rwc.Close()
}
