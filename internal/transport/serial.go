package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/proswitch/swp08gw/internal/logging"
)

// port abstracts tarm/serial for testability, mirroring the teacher's
// internal/serial.Port interface.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openSerialPort is a hook for tests.
var openSerialPort = func(name string, baud int, readTimeout time.Duration) (port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout, Parity: serial.ParityEven, Size: 8, StopBits: serial.Stop1}
	return serial.OpenPort(cfg)
}

// Serial is the RS-232/RS-422 Transport variant: 8 data bits, 1 stop bit,
// even parity, default 38400 baud, flow control off.
type Serial struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration

	mu      sync.Mutex
	sp      port
	reads   chan []byte
	events  chan Event
	closed  bool
	closeCh chan struct{}
}

// NewSerial constructs a serial transport. baud defaults to 38400 if 0.
func NewSerial(path string, baud int, readTimeout time.Duration) *Serial {
	if baud == 0 {
		baud = 38400
	}
	if readTimeout == 0 {
		readTimeout = 100 * time.Millisecond
	}
	return &Serial{
		Path:        path,
		Baud:        baud,
		ReadTimeout: readTimeout,
		reads:       make(chan []byte, 64),
		events:      make(chan Event, 8),
		closeCh:     make(chan struct{}),
	}
}

func (s *Serial) Open(ctx context.Context) error {
	sp, err := openSerialPort(s.Path, s.Baud, s.ReadTimeout)
	if err != nil {
		kind := Unreachable
		if os.IsPermission(err) {
			kind = PermissionDenied
		} else if os.IsNotExist(err) {
			kind = NotFound
		}
		return &Error{Kind: kind, Err: fmt.Errorf("open %s: %w", s.Path, err)}
	}
	s.mu.Lock()
	s.sp = sp
	s.mu.Unlock()
	go s.readLoop(sp)
	s.emit(Event{Kind: Connected})
	logging.L().Info("transport_serial_open", "path", s.Path, "baud", s.Baud)
	return nil
}

func (s *Serial) readLoop(sp port) {
	buf := make([]byte, 4096)
	backoff := 20 * time.Millisecond
	const backoffMax = 500 * time.Millisecond
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.reads <- chunk:
			case <-s.closeCh:
				return
			}
			backoff = 20 * time.Millisecond
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout, not fatal
			}
			s.mu.Lock()
			alreadyClosed := s.closed
			s.mu.Unlock()
			if alreadyClosed {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				s.emit(Event{Kind: Disconnected, Err: err})
				return
			}
			s.emit(Event{Kind: IOError, Err: err})
			time.Sleep(backoff)
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}
}

func (s *Serial) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Serial) Write(b []byte) (int, error) {
	s.mu.Lock()
	sp := s.sp
	s.mu.Unlock()
	if sp == nil {
		return 0, fmt.Errorf("serial transport: not open")
	}
	n, err := sp.Write(b)
	if err != nil {
		s.emit(Event{Kind: IOError, Err: err})
	}
	return n, err
}

func (s *Serial) Reads() <-chan []byte { return s.reads }
func (s *Serial) Events() <-chan Event { return s.events }

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sp := s.sp
	s.mu.Unlock()
	close(s.closeCh)
	if sp != nil {
		return sp.Close()
	}
	return nil
}
