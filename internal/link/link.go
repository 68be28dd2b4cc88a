// Package link runs the SW-P-08 ARQ: at most one outstanding sent command,
// a FIFO queue behind it, a 1000ms retry timer capped at 5 attempts, and the
// inbound-frame ACK discipline. It is the only package that writes to the
// transport or reads decoder events directly.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/proswitch/swp08gw/internal/frame"
	"github.com/proswitch/swp08gw/internal/logging"
	"github.com/proswitch/swp08gw/internal/metrics"
	"github.com/proswitch/swp08gw/internal/transport"
)

// RetryTimeout and MaxRetries are exported so the session layer can derive
// its own higher-level deadlines (e.g. the interrogate timeout) from the
// same constants the ARQ itself uses.
const (
	RetryTimeout = 1000 * time.Millisecond
	MaxRetries   = 5

	retryTimeout = RetryTimeout
	maxRetries   = MaxRetries
)

// ErrorKind classifies a LinkError.
type ErrorKind int

const (
	Timeout ErrorKind = iota
	Disconnected
)

// LinkError is returned on a command's result channel when the ARQ gives up.
type LinkError struct {
	Kind ErrorKind
}

func (e *LinkError) Error() string {
	switch e.Kind {
	case Disconnected:
		return "link disconnected"
	default:
		return "link timeout: max retries exceeded"
	}
}

// EventKind identifies an upward-delivered Link event.
type EventKind int

const (
	FrameReceived EventKind = iota
	Connected
	ConnectionLost
)

// Event is delivered on Link.Events() for the router/session layer to consume.
type Event struct {
	Kind  EventKind
	Frame frame.Frame
	Err   error
}

// pendingCmd is one queued or in-flight command slot.
type pendingCmd struct {
	cmd     byte
	data    []byte
	result  chan error
	retries int
}

// Link owns the transport, the frame decoder, and the pending-command queue.
// Exactly one goroutine (run) touches queue/current/timer state; all public
// methods communicate with it over channels, grounded on the teacher's
// single-owner backend-goroutine shape (internal/transport.AsyncTx carries
// the same discipline for the write side).
type Link struct {
	tr  transport.Transport
	dec *frame.Decoder
	tx  *transport.AsyncTx

	submit chan *pendingCmd
	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Link over an already-constructed (not yet opened) transport.
func New(tr transport.Transport) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		tr:     tr,
		dec:    frame.NewDecoder(),
		submit: make(chan *pendingCmd, 64),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	l.tx = transport.NewAsyncTx(ctx, 64, func(b []byte) error {
		_, err := tr.Write(b)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrTransportWrite)
			logging.L().Warn("link_write_error", "err", err)
		},
	})
	return l
}

// Open opens the underlying transport and starts the ARQ event loop.
func (l *Link) Open(ctx context.Context) error {
	if err := l.tr.Open(ctx); err != nil {
		return err
	}
	l.wg.Add(1)
	go l.run()
	return nil
}

// Close stops the event loop and closes the transport.
func (l *Link) Close() error {
	l.cancel()
	l.tx.Close()
	l.wg.Wait()
	return l.tr.Close()
}

// Events yields FrameReceived/Connected/ConnectionLost notifications for the
// router layer to consume.
func (l *Link) Events() <-chan Event { return l.events }

// Done is closed when the event loop exits, whether from Close or from the
// transport disconnecting on its own. Safe for any number of readers, unlike
// Events() which has exactly one intended consumer (the router layer).
func (l *Link) Done() <-chan struct{} { return l.done }

// Send enqueues a command behind any currently in-flight command and returns
// a channel that receives nil once link-level ACK is received, or a
// *LinkError on timeout/disconnect. The channel is buffered; callers that do
// not read it will not block the link.
func (l *Link) Send(cmd byte, data []byte) <-chan error {
	p := &pendingCmd{cmd: cmd, data: data, result: make(chan error, 1)}
	select {
	case l.submit <- p:
	case <-l.ctx.Done():
		p.result <- &LinkError{Kind: Disconnected}
	}
	return p.result
}

func (l *Link) run() {
	defer l.wg.Done()
	defer close(l.done)
	var queue []*pendingCmd
	var current *pendingCmd
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	armTimer := func() {
		timer = time.NewTimer(retryTimeout)
		timerC = timer.C
	}
	transmit := func(p *pendingCmd) {
		current = p
		metrics.IncFramesTx()
		_ = l.tx.SendBytes(frame.Encode(p.cmd, p.data))
		armTimer()
	}
	startNext := func() {
		if current != nil || len(queue) == 0 {
			return
		}
		p := queue[0]
		queue = queue[1:]
		transmit(p)
	}
	failAll := func(kind ErrorKind) {
		if current != nil {
			current.result <- &LinkError{Kind: kind}
			current = nil
		}
		for _, p := range queue {
			p.result <- &LinkError{Kind: kind}
		}
		queue = nil
		stopTimer()
	}

	for {
		select {
		case <-l.ctx.Done():
			failAll(Disconnected)
			return

		case p := <-l.submit:
			queue = append(queue, p)
			startNext()

		case <-timerC:
			current.retries++
			if current.retries >= maxRetries {
				metrics.IncLinkTimeout()
				logging.L().Warn("link_command_failed", "cmd", fmt.Sprintf("%#x", current.cmd), "retries", current.retries)
				current.result <- &LinkError{Kind: Timeout}
				current = nil
				stopTimer()
				startNext()
				continue
			}
			metrics.IncLinkRetry()
			metrics.IncFramesTx()
			_ = l.tx.SendBytes(frame.Encode(current.cmd, current.data))
			armTimer()

		case chunk, ok := <-l.tr.Reads():
			if !ok {
				continue
			}
			for _, ev := range l.dec.Push(chunk) {
				switch ev.Kind {
				case frame.EventFrame:
					metrics.IncFramesRx()
					_ = l.tx.SendBytes(frame.EncodeAck())
					metrics.IncAcksTx()
					l.events <- Event{Kind: FrameReceived, Frame: ev.Frame}
				case frame.EventAck:
					metrics.IncAcksRx()
					if current != nil {
						stopTimer()
						current.result <- nil
						current = nil
						startNext()
					}
				case frame.EventNak:
					metrics.IncNaksRx()
					if current != nil {
						stopTimer()
						current.retries++
						if current.retries >= maxRetries {
							current.result <- &LinkError{Kind: Timeout}
							current = nil
							startNext()
							continue
						}
						metrics.IncLinkRetry()
						metrics.IncFramesTx()
						_ = l.tx.SendBytes(frame.Encode(current.cmd, current.data))
						armTimer()
					}
				case frame.EventFramingError:
					metrics.IncMalformed()
					logging.L().Debug("frame_framing_error", "err", ev.Err)
				}
			}

		case tev, ok := <-l.tr.Events():
			if !ok {
				continue
			}
			switch tev.Kind {
			case transport.Connected:
				l.events <- Event{Kind: Connected}
			case transport.Disconnected, transport.IOError:
				metrics.IncError(metrics.ErrLinkDisconnect)
				failAll(Disconnected)
				l.events <- Event{Kind: ConnectionLost, Err: tev.Err}
				return
			}
		}
	}
}

// ErrNotOpen names use of a Link before Open. No function in this package
// returns it: a Send before Open just queues the command.
var ErrNotOpen = errors.New("link not open")
