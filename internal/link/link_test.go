package link

import (
	"context"
	"testing"
	"time"

	"github.com/proswitch/swp08gw/internal/frame"
	"github.com/proswitch/swp08gw/internal/transport"
)

// fakeTransport is an in-memory Transport double driven entirely by the
// test: writes land on writes, and the test pushes bytes onto reads to
// simulate router responses.
type fakeTransport struct {
	writes chan []byte
	reads  chan []byte
	events chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writes: make(chan []byte, 64),
		reads:  make(chan []byte, 64),
		events: make(chan transport.Event, 8),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                   { return nil }
func (f *fakeTransport) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.writes <- cp
	return len(b), nil
}
func (f *fakeTransport) Reads() <-chan []byte            { return f.reads }
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

// TestSendResolvesOnAck covers the common path: submit, router ACKs, result resolves nil.
func TestSendResolvesOnAck(t *testing.T) {
	ft := newFakeTransport()
	l := New(ft)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	result := l.Send(0x02, []byte{0x00, 0x00, 0x05, 0x0A})
	select {
	case <-ft.writes:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command to be written")
	}
	ft.reads <- []byte{0x10, 0x06} // DLE ACK
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected nil (acked), got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

// TestRetryThenSuccess mirrors scenario 5: the router is silent for the
// first retry window, retransmits once, then ACKs; no further retransmission.
func TestRetryThenSuccess(t *testing.T) {
	ft := newFakeTransport()
	l := New(ft)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	result := l.Send(0x02, []byte{0x00, 0x00, 0x05, 0x0A})
	<-ft.writes // first transmission

	select {
	case <-ft.writes:
		t.Fatal("unexpected retransmission before retry timer elapsed")
	case <-time.After(500 * time.Millisecond):
	}

	select {
	case <-ft.writes: // the retransmission at ~1000ms
	case <-time.After(1200 * time.Millisecond):
		t.Fatal("expected a retransmission around 1000ms")
	}
	ft.reads <- []byte{0x10, 0x06}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result after ack")
	}

	select {
	case <-ft.writes:
		t.Fatal("unexpected extra retransmission after ack")
	case <-time.After(1200 * time.Millisecond):
	}
}

// TestRetryExhaustion mirrors scenario 6: the router stays silent through
// all 5 attempts; the command fails with LinkError{Timeout}.
func TestRetryExhaustion(t *testing.T) {
	ft := newFakeTransport()
	l := New(ft)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	start := time.Now()
	result := l.Send(0x02, []byte{0x00, 0x00, 0x05, 0x0A})

	attempts := 0
	deadline := time.After(6 * time.Second)
	done := false
	for !done {
		select {
		case <-ft.writes:
			attempts++
		case err := <-result:
			elapsed := time.Since(start)
			var lerr *LinkError
			if err == nil {
				t.Fatal("expected LinkError, got nil")
			}
			var ok bool
			lerr, ok = err.(*LinkError)
			if !ok || lerr.Kind != Timeout {
				t.Fatalf("expected LinkError{Timeout}, got %v", err)
			}
			if elapsed < 4*time.Second || elapsed > 5500*time.Millisecond {
				t.Fatalf("expected failure between 4000-5500ms, got %v", elapsed)
			}
			done = true
		case <-deadline:
			t.Fatal("timed out waiting for retry exhaustion")
		}
	}
	if attempts != 5 {
		t.Fatalf("expected exactly 5 transmissions, got %d", attempts)
	}
}

// TestAtMostOneOutstanding verifies that queuing a second command while the
// first is in flight produces no second wire transmission until the first
// resolves.
func TestAtMostOneOutstanding(t *testing.T) {
	ft := newFakeTransport()
	l := New(ft)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	r1 := l.Send(0x02, []byte{0x00, 0x00, 0x05, 0x0A})
	r2 := l.Send(0x01, []byte{0x00})

	<-ft.writes // r1's transmission

	select {
	case <-ft.writes:
		t.Fatal("second command transmitted while first still outstanding")
	case <-time.After(200 * time.Millisecond):
	}

	ft.reads <- []byte{0x10, 0x06}
	<-r1

	select {
	case <-ft.writes: // now r2 should go out
	case <-time.After(time.Second):
		t.Fatal("expected second command to be transmitted after first resolved")
	}
	ft.reads <- []byte{0x10, 0x06}
	<-r2
}

// TestDisconnectFailsOutstanding verifies that a transport disconnect fails
// every pending command with LinkError{Disconnected} and forwards the event.
func TestDisconnectFailsOutstanding(t *testing.T) {
	ft := newFakeTransport()
	l := New(ft)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	result := l.Send(0x02, []byte{0x00, 0x00, 0x05, 0x0A})
	<-ft.writes
	ft.events <- transport.Event{Kind: transport.Disconnected}

	select {
	case err := <-result:
		lerr, ok := err.(*LinkError)
		if !ok || lerr.Kind != Disconnected {
			t.Fatalf("expected LinkError{Disconnected}, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect failure")
	}
}

// TestUnsolicitedFrameForwardedAndAcked verifies that an inbound data frame
// unrelated to any queued command is both ACKed on the wire and forwarded
// upward as a FrameReceived event.
func TestUnsolicitedFrameForwardedAndAcked(t *testing.T) {
	ft := newFakeTransport()
	l := New(ft)
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	wire := frame.Encode(0x03, []byte{0x11, 0x08, 0x05, 0x06})
	ft.reads <- wire

	select {
	case w := <-ft.writes:
		if len(w) != 2 || w[0] != 0x10 || w[1] != 0x06 {
			t.Fatalf("expected DLE ACK reply, got % X", w)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack of unsolicited frame")
	}

	select {
	case ev := <-l.Events():
		if ev.Kind != FrameReceived || ev.Frame.Cmd != 0x03 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for FrameReceived event")
	}
}
