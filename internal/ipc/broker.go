package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/platform/logger"
)

// Endpoint is either a Unix domain socket path or a loopback TCP port,
// whichever the platform supports.
type Endpoint struct {
	SocketPath string `json:"socketPath,omitempty"`
	TCPPort    int    `json:"tcpPort,omitempty"`
}

func (e Endpoint) String() string {
	if e.SocketPath != "" {
		return e.SocketPath
	}
	return fmt.Sprintf("tcp://127.0.0.1:%d", e.TCPPort)
}

// Empty reports whether neither endpoint form is set.
func (e Endpoint) Empty() bool { return e.SocketPath == "" && e.TCPPort == 0 }

var reservationBucket = []byte("reservations")

// Handlers are the broker-wide callbacks invoked for every child connection.
// onMessage/onDisconnect/onError all receive the child id so the caller can
// route a frame back to the record it concerns.
type Handlers struct {
	OnMessage    func(id string, f Frame)
	OnDisconnect func(id string)
	OnError      func(id string, err error)
}

type childListener struct {
	id       string
	endpoint Endpoint
	ln       net.Listener
	peer     net.Conn
	peerMu   sync.Mutex
	done     chan struct{}
}

// Broker is the local-socket broker: one listener per spawned child,
// newline-delimited JSON framing, reservation across parent restarts.
type Broker struct {
	sockDir  string
	tcpMin   int
	tcpMax   int
	log      *logger.Logger
	handlers Handlers
	useUnix  bool

	mu        sync.Mutex
	listeners map[string]*childListener

	resDB *bolt.DB
}

// Config bundles the tunables the broker needs at construction.
type Config struct {
	SocketDir         string
	TCPPortMin        int
	TCPPortMax        int
	ReservationDBPath string
}

// NewBroker opens (creating if absent) the reservation store and returns a
// ready Broker. handlers may be updated later with SetHandlers.
func NewBroker(cfg Config, log *logger.Logger) (*Broker, error) {
	if cfg.TCPPortMin <= 0 {
		cfg.TCPPortMin = 49152
	}
	if cfg.TCPPortMax <= 0 || cfg.TCPPortMax < cfg.TCPPortMin {
		cfg.TCPPortMax = 65535
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return nil, fmt.Errorf("ipc: mkdir socket dir: %w", err)
	}

	var db *bolt.DB
	if cfg.ReservationDBPath != "" {
		var err error
		db, err = bolt.Open(cfg.ReservationDBPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("ipc: open reservation store: %w", err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(reservationBucket)
			return err
		}); err != nil {
			return nil, fmt.Errorf("ipc: init reservation bucket: %w", err)
		}
	}

	return &Broker{
		sockDir:   cfg.SocketDir,
		tcpMin:    cfg.TCPPortMin,
		tcpMax:    cfg.TCPPortMax,
		log:       log.With("component", "ipc.Broker"),
		listeners: make(map[string]*childListener),
		resDB:     db,
		useUnix:   runtime.GOOS != "windows",
	}, nil
}

// SetHandlers installs the broker-wide frame/disconnect/error callbacks.
func (b *Broker) SetHandlers(h Handlers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = h
}

func (b *Broker) Close() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.CloseSocket(id)
	}
	if b.resDB != nil {
		return b.resDB.Close()
	}
	return nil
}

// CreateSocket creates the listener for id, naming a Unix socket
// "<sockDir>/<kind>_<id>.sock" when the platform supports one, else binding
// a loopback TCP port chosen from the configured range by random probe. A
// stale Unix socket file is removed first; the endpoint is rejected if
// currently reserved for a different id.
func (b *Broker) CreateSocket(kind, id string) (Endpoint, error) {
	if owner, ok := b.reservedOwner(b.unixEndpoint(kind, id)); ok && owner != id && b.useUnix {
		return Endpoint{}, errorsx.Newf(errorsx.KindReconnectFailed, "endpoint reserved for %q", owner)
	}

	var ep Endpoint
	var ln net.Listener
	var err error
	if b.useUnix {
		ep = b.unixEndpoint(kind, id)
		_ = os.Remove(ep.SocketPath)
		ln, err = net.Listen("unix", ep.SocketPath)
		if err != nil {
			return Endpoint{}, fmt.Errorf("ipc: listen unix %s: %w", ep.SocketPath, err)
		}
	} else {
		ln, ep, err = b.probeTCPListen()
		if err != nil {
			return Endpoint{}, err
		}
	}

	cl := &childListener{id: id, endpoint: ep, ln: ln, done: make(chan struct{})}
	b.mu.Lock()
	b.listeners[id] = cl
	b.mu.Unlock()

	go b.acceptLoop(cl)
	return ep, nil
}

// CloseSocket tears down id's listener: closes the active peer, stops
// accepting, unlinks the Unix file, and forgets the TCP port.
func (b *Broker) CloseSocket(id string) error {
	b.mu.Lock()
	cl, ok := b.listeners[id]
	delete(b.listeners, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(cl.done)
	cl.peerMu.Lock()
	if cl.peer != nil {
		_ = cl.peer.Close()
	}
	cl.peerMu.Unlock()
	err := cl.ln.Close()
	if cl.endpoint.SocketPath != "" {
		_ = os.Remove(cl.endpoint.SocketPath)
	}
	return err
}

// Reserve retains endpoint for id across parent restarts so a reconnecting
// orphan child is not displaced by a new child bound to the same path.
func (b *Broker) Reserve(id string, ep Endpoint) error {
	if b.resDB == nil {
		return nil
	}
	payload, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return b.resDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reservationBucket).Put([]byte(id), payload)
	})
}

// Release drops id's reservation.
func (b *Broker) Release(id string) error {
	if b.resDB == nil {
		return nil
	}
	return b.resDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reservationBucket).Delete([]byte(id))
	})
}

// Reconnect rebinds a listener on the same endpoint id previously held; the
// child's own retry loop is expected to reconnect on its next attempt.
func (b *Broker) Reconnect(id string, ep Endpoint) error {
	b.mu.Lock()
	if existing, ok := b.listeners[id]; ok {
		b.mu.Unlock()
		_ = b.CloseSocket(id)
		_ = existing
	} else {
		b.mu.Unlock()
	}

	var ln net.Listener
	var err error
	if ep.SocketPath != "" {
		_ = os.Remove(ep.SocketPath)
		ln, err = net.Listen("unix", ep.SocketPath)
	} else {
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ep.TCPPort))
	}
	if err != nil {
		return errorsx.ReconnectFailed(id, err)
	}

	cl := &childListener{id: id, endpoint: ep, ln: ln, done: make(chan struct{})}
	b.mu.Lock()
	b.listeners[id] = cl
	b.mu.Unlock()
	go b.acceptLoop(cl)
	return nil
}

// CleanOrphanedSockets removes stray Unix socket files under sockDir whose
// id is neither actively listening nor held by a reservation.
func (b *Broker) CleanOrphanedSockets(activeIDs []string) error {
	if !b.useUnix {
		return nil
	}
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}

	entries, err := os.ReadDir(b.sockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		id := idFromSocketName(name)
		if id == "" {
			continue
		}
		if _, ok := active[id]; ok {
			continue
		}
		if _, ok := b.reservedByID(id); ok {
			continue
		}
		_ = os.Remove(filepath.Join(b.sockDir, name))
	}
	return nil
}

func idFromSocketName(name string) string {
	name = strings.TrimSuffix(name, ".sock")
	idx := strings.Index(name, "_")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}

func (b *Broker) unixEndpoint(kind, id string) Endpoint {
	return Endpoint{SocketPath: filepath.Join(b.sockDir, kind+"_"+id+".sock")}
}

func (b *Broker) reservedOwner(ep Endpoint) (string, bool) {
	if b.resDB == nil {
		return "", false
	}
	var owner string
	_ = b.resDB.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(reservationBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var got Endpoint
			if json.Unmarshal(v, &got) == nil && got == ep {
				owner = string(k)
				return nil
			}
		}
		return nil
	})
	if owner == "" {
		return "", false
	}
	return owner, true
}

func (b *Broker) reservedByID(id string) (Endpoint, bool) {
	if b.resDB == nil {
		return Endpoint{}, false
	}
	var ep Endpoint
	found := false
	_ = b.resDB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(reservationBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		if json.Unmarshal(v, &ep) == nil {
			found = true
		}
		return nil
	})
	return ep, found
}

// probeTCPListen picks a random port in [tcpMin, tcpMax] and trial-binds it,
// retrying on collision. This is the non-Unix-socket fallback path.
func (b *Broker) probeTCPListen() (net.Listener, Endpoint, error) {
	span := b.tcpMax - b.tcpMin + 1
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		port := b.tcpMin + rand.Intn(span)
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, Endpoint{TCPPort: port}, nil
		}
	}
	return nil, Endpoint{}, fmt.Errorf("ipc: exhausted %d probe attempts for a free TCP port in [%d,%d]", maxAttempts, b.tcpMin, b.tcpMax)
}

// acceptLoop accepts connections for one child listener. The broker keeps
// the listener alive across a peer disconnect (the child may reconnect)
// until the parent explicitly calls CloseSocket.
func (b *Broker) acceptLoop(cl *childListener) {
	for {
		conn, err := cl.ln.Accept()
		if err != nil {
			select {
			case <-cl.done:
				return
			default:
			}
			b.mu.Lock()
			h := b.handlers
			b.mu.Unlock()
			if h.OnError != nil {
				h.OnError(cl.id, err)
			}
			return
		}
		cl.peerMu.Lock()
		if cl.peer != nil {
			_ = cl.peer.Close()
		}
		cl.peer = conn
		cl.peerMu.Unlock()
		go b.serveConn(cl, conn)
	}
}

// serveConn frames a single connection: a reader goroutine decodes lines and
// pushes them onto a per-connection queue of 256 frames, so a slow onMessage
// handler does not stall the socket read until that queue is full; once it
// is full the reader waits for the drainer. A drainer goroutine delivers
// frames to onMessage strictly in receipt order.
func (b *Broker) serveConn(cl *childListener, conn net.Conn) {
	frames := make(chan Frame, 256)
	stop := make(chan struct{})

	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes+1)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			f, err := Decode(line)
			if err != nil {
				b.mu.Lock()
				h := b.handlers
				b.mu.Unlock()
				if h.OnError != nil {
					h.OnError(cl.id, err)
				}
				continue
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
		}
	}()

	for f := range frames {
		b.mu.Lock()
		h := b.handlers
		b.mu.Unlock()
		if h.OnMessage != nil {
			h.OnMessage(cl.id, f)
		}
	}
	close(stop)

	cl.peerMu.Lock()
	if cl.peer == conn {
		cl.peer = nil
	}
	cl.peerMu.Unlock()

	b.mu.Lock()
	h := b.handlers
	b.mu.Unlock()
	if h.OnDisconnect != nil {
		h.OnDisconnect(cl.id)
	}
}

// Send writes a parent-to-child frame to id's active peer, if any. Returns
// false if there is currently no connected peer.
func (b *Broker) Send(id string, f Frame) (bool, error) {
	b.mu.Lock()
	cl, ok := b.listeners[id]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	cl.peerMu.Lock()
	peer := cl.peer
	cl.peerMu.Unlock()
	if peer == nil {
		return false, nil
	}
	encoded, err := Encode(f)
	if err != nil {
		return false, err
	}
	_, err = peer.Write(encoded)
	return err == nil, err
}

// ActiveIDs returns the ids of every currently live listener.
func (b *Broker) ActiveIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.listeners))
	for id := range b.listeners {
		out = append(out, id)
	}
	return out
}

// ParseTCPPort extracts the numeric port from a "tcp://127.0.0.1:PORT" URL,
// mirroring the socketPath / "tcp://..." union the child payload carries.
func ParseTCPPort(url string) (int, bool) {
	const prefix = "tcp://"
	if !strings.HasPrefix(url, prefix) {
		return 0, false
	}
	idx := strings.LastIndex(url, ":")
	if idx < 0 {
		return 0, false
	}
	port, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}
