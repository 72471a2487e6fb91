package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/donkeylabs/execore/internal/platform/logger"
)

// ClientKind selects which identity field the client stamps on every frame.
type ClientKind string

const (
	ClientJob      ClientKind = "job"
	ClientProcess  ClientKind = "process"
	ClientInstance ClientKind = "instance"
)

// Environment variable names the parent sets on every spawned child. The
// embedded client discovers its identity and endpoint from these.
const (
	EnvProcessID  = "DONKEYLABS_PROCESS_ID"
	EnvJobID      = "DONKEYLABS_JOB_ID"
	EnvSocketPath = "DONKEYLABS_SOCKET_PATH"
	EnvTCPPort    = "DONKEYLABS_TCP_PORT"
	EnvMetadata   = "DONKEYLABS_METADATA"
	EnvJobName    = "DONKEYLABS_JOB_NAME"
)

// Client is the child side of the local-socket protocol: it dials the
// parent's per-child listener, sends the connected handshake, heartbeats on
// a fixed interval, and exposes typed send helpers for every frame variant.
// Parent-to-child frames are read and discarded (reserved for future use).
type Client struct {
	kind ClientKind
	id   string
	ep   Endpoint
	log  *logger.Logger

	heartbeatEvery time.Duration
	startedAt      time.Time

	mu   sync.Mutex
	conn net.Conn

	stopOnce sync.Once
	stop     chan struct{}
}

// NewClient builds a client for an explicit identity and endpoint.
// heartbeatEvery defaults to 5s when zero.
func NewClient(kind ClientKind, id string, ep Endpoint, heartbeatEvery time.Duration, log *logger.Logger) *Client {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 5 * time.Second
	}
	return &Client{
		kind:           kind,
		id:             id,
		ep:             ep,
		log:            log.With("component", "ipc.Client", "child_id", id),
		heartbeatEvery: heartbeatEvery,
		startedAt:      time.Now(),
		stop:           make(chan struct{}),
	}
}

// ClientFromEnv discovers identity and endpoint from the DONKEYLABS_*
// variables the parent exports at spawn.
func ClientFromEnv(log *logger.Logger) (*Client, error) {
	var kind ClientKind
	var id string
	switch {
	case os.Getenv(EnvJobID) != "":
		kind, id = ClientJob, os.Getenv(EnvJobID)
	case os.Getenv(EnvProcessID) != "":
		kind, id = ClientProcess, os.Getenv(EnvProcessID)
	default:
		return nil, fmt.Errorf("ipc: neither %s nor %s is set", EnvJobID, EnvProcessID)
	}

	ep := Endpoint{SocketPath: os.Getenv(EnvSocketPath)}
	if ep.SocketPath == "" {
		portStr := os.Getenv(EnvTCPPort)
		if portStr == "" {
			return nil, fmt.Errorf("ipc: neither %s nor %s is set", EnvSocketPath, EnvTCPPort)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("ipc: bad %s %q: %w", EnvTCPPort, portStr, err)
		}
		ep.TCPPort = port
	}
	return NewClient(kind, id, ep, 0, log), nil
}

// Metadata returns the opaque map the parent passed through at spawn, or an
// empty map if none was set.
func Metadata() map[string]any {
	raw := os.Getenv(EnvMetadata)
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// Connect dials the parent with a retry loop (the listener may not be ready
// the instant the child boots, and an orphan reconnecting after a parent
// restart races the rebind). On success it sends the connected handshake
// and starts the heartbeat loop.
func (c *Client) Connect(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second
	deadline := time.Now().Add(30 * time.Second)

	for {
		conn, err := c.dial()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			if err := c.send(Frame{Type: FrameConnected}); err != nil {
				return err
			}
			go c.heartbeatLoop()
			go c.discardLoop(conn)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ipc: connect %s: %w", c.ep, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) dial() (net.Conn, error) {
	if c.ep.SocketPath != "" {
		return net.DialTimeout("unix", c.ep.SocketPath, 2*time.Second)
	}
	return net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", c.ep.TCPPort), 2*time.Second)
}

// Close sends the disconnecting notice and tears down the connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		_ = c.send(Frame{Type: FrameDisconnect})
		close(c.stop)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
}

func (c *Client) heartbeatLoop() {
	t := time.NewTicker(c.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.Heartbeat(); err != nil {
				c.log.Warn("heartbeat send failed", "error", err)
			}
		}
	}
}

// discardLoop drains parent-to-child frames. Those are reserved for future
// use and must be accepted-but-ignored by clients that do not implement
// them.
func (c *Client) discardLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func (c *Client) frame(f Frame) Frame {
	switch c.kind {
	case ClientJob:
		f.JobID = c.id
	case ClientProcess:
		f.ProcessID = c.id
	default:
		f.InstanceID = c.id
	}
	return f
}

func (c *Client) send(f Frame) error {
	line, err := Encode(c.frame(f))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("ipc: not connected")
	}
	_, err = c.conn.Write(line)
	return err
}

// Send stamps the client's identity on f and writes it. Used by callers
// that speak frame variants beyond the typed helpers below (the isolated
// workflow executor's lifecycle frames).
func (c *Client) Send(f Frame) error { return c.send(f) }

func (c *Client) Heartbeat() error { return c.send(Frame{Type: FrameHeartbeat}) }

func (c *Client) Started(name string) error {
	return c.send(Frame{Type: FrameStarted, Name: name})
}

func (c *Client) Progress(percent int, message string, data json.RawMessage) error {
	return c.send(Frame{Type: FrameProgress, Percent: percent, Message: message, Data: data})
}

func (c *Client) Log(level LogLevel, message string, data json.RawMessage) error {
	return c.send(Frame{Type: FrameLog, Level: level, Message: message, Data: data})
}

func (c *Client) Completed(result json.RawMessage) error {
	return c.send(Frame{Type: FrameCompleted, Result: result})
}

func (c *Client) Failed(errMsg, stack string) error {
	return c.send(Frame{Type: FrameFailed, Error: errMsg, Stack: stack})
}

func (c *Client) Disconnecting() error { return c.send(Frame{Type: FrameDisconnect}) }

// SendStats samples this process's memory and uptime and sends a stats
// frame. CPU figures are left zero; the Go runtime does not expose
// per-process CPU accounting portably and the parent treats the whole frame
// as an optional hint.
func (c *Client) SendStats() error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return c.send(Frame{
		Type: FrameStats,
		CPU:  &CPUStats{},
		Memory: &MemStats{
			RSS:       ms.Sys,
			HeapTotal: ms.HeapSys,
			HeapUsed:  ms.HeapAlloc,
			External:  ms.StackSys,
		},
		Uptime: time.Since(c.startedAt).Seconds(),
	})
}

// StartStats launches a background sampler that emits a stats frame every
// interval until the client is closed.
func (c *Client) StartStats(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				_ = c.SendStats()
			}
		}
	}()
}
