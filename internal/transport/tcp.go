package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/proswitch/swp08gw/internal/logging"
)

// TCP is the raw-socket Transport variant: a stream connection to the
// router's control port (default 2000).
type TCP struct {
	Host string
	Port int

	mu      sync.Mutex
	conn    net.Conn
	reads   chan []byte
	events  chan Event
	closed  bool
	closeCh chan struct{}
}

// NewTCP constructs a TCP transport for host:port. Open must be called
// before Write/Reads/Events are useful.
func NewTCP(host string, port int) *TCP {
	return &TCP{
		Host:    host,
		Port:    port,
		reads:   make(chan []byte, 64),
		events:  make(chan Event, 8),
		closeCh: make(chan struct{}),
	}
}

func (t *TCP) Open(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := Unreachable
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			kind = Unreachable
		}
		return &Error{Kind: kind, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	go t.readLoop(conn)
	t.emit(Event{Kind: Connected})
	logging.L().Info("transport_tcp_open", "addr", addr)
	return nil
}

func (t *TCP) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case t.reads <- chunk:
			case <-t.closeCh:
				return
			}
		}
		if err != nil {
			t.mu.Lock()
			alreadyClosed := t.closed
			t.mu.Unlock()
			if !alreadyClosed {
				t.emit(Event{Kind: Disconnected, Err: err})
			}
			return
		}
	}
}

func (t *TCP) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *TCP) Write(b []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("tcp transport: not open")
	}
	n, err := conn.Write(b)
	if err != nil {
		t.emit(Event{Kind: IOError, Err: err})
	}
	return n, err
}

func (t *TCP) Reads() <-chan []byte { return t.reads }
func (t *TCP) Events() <-chan Event { return t.events }

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	close(t.closeCh)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
