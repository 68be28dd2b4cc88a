// Package router consumes link-layer frame events, maintains the crosspoint
// cache (the single source of truth for router state in this process), and
// exposes the typed take/interrogate/dump/read operations the fan-out layer
// calls into.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proswitch/swp08gw/internal/link"
	"github.com/proswitch/swp08gw/internal/logging"
	"github.com/proswitch/swp08gw/internal/metrics"
	"github.com/proswitch/swp08gw/internal/swp08"
)

// Config carries the validation bounds and reconciliation pacing from the
// process configuration.
type Config struct {
	MaxSources      int
	MaxDestinations int
	MaxLevels       int
	ReconcilePacing time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSources:      1024,
		MaxDestinations: 1024,
		MaxLevels:       16,
		ReconcilePacing: 100 * time.Millisecond,
	}
}

// InterrogateTimeout is 2 x the link retry timeout x (max retries + 1),
// matching spec.md §4.D's interrogate deadline exactly.
const InterrogateTimeout = 2 * link.RetryTimeout * (link.MaxRetries + 1)

// EventKind identifies a Router-level event delivered to subscribers (the
// fan-out layer).
type EventKind int

const (
	CrosspointChange EventKind = iota
	RouterConnected
	RouterDisconnected
	RouterError
)

// Event is delivered on Router.Events().
type Event struct {
	Kind  EventKind
	State swp08.CrosspointState
	Err   error
}

type interrogateWaiter struct {
	key  swp08.CacheKey
	ch   chan swp08.CrosspointState
	done chan struct{}
}

// Router is the session/state-model component (4.D). It owns the crosspoint
// cache, guarded by mu: frames from the link are applied on its single
// event-loop goroutine, while Take writes its optimistic pending entry on
// the caller's goroutine.
type Router struct {
	linkPtr atomic.Pointer[link.Link]
	rebind  chan *link.Link
	cfg     Config

	mu    sync.RWMutex
	cache map[swp08.CacheKey]swp08.CrosspointState

	waitersMu sync.Mutex
	waiters   []*interrogateWaiter

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router over an opened-or-not-yet-opened Link.
func New(l *link.Link, cfg Config) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		rebind: make(chan *link.Link, 1),
		cfg:    cfg,
		cache:  make(map[swp08.CacheKey]swp08.CrosspointState),
		events: make(chan Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	r.linkPtr.Store(l)
	return r
}

// Rebind swaps the Link the router's event loop consumes, preserving the
// crosspoint cache across a transport reconnect (spec.md §7:
// reconnect itself is "not specified here"; the cache surviving it is, per
// §1's non-goal wording that tally state is "reconciled by interrogation
// after reconnect" rather than rebuilt from nothing). Interrogate waiters
// are not carried over: they fail with LinkError{Disconnected} when the
// event loop reads the old link's ConnectionLost event.
func (r *Router) Rebind(l *link.Link) {
	r.linkPtr.Store(l)
	select {
	case r.rebind <- l:
	case <-r.ctx.Done():
	}
}

func (r *Router) currentLink() *link.Link {
	return r.linkPtr.Load()
}

// Run starts the event-loop goroutine consuming link events and returns
// immediately; the goroutine runs until Close is called.
func (r *Router) Run() {
	r.wg.Add(1)
	go r.run()
}

// Close stops the event loop.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Events yields crosspoint-change / router-connected / router-disconnected /
// router-error notifications for the fan-out layer.
func (r *Router) Events() <-chan Event { return r.events }

func (r *Router) run() {
	defer r.wg.Done()
	cur := r.currentLink()
	for {
		select {
		case <-r.ctx.Done():
			return
		case cur = <-r.rebind:
			// New link swapped in after a reconnect; resume reading from it.
		case ev, ok := <-cur.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case link.FrameReceived:
				r.handleFrame(ev.Frame.Cmd, ev.Frame.Data)
			case link.Connected:
				r.emit(Event{Kind: RouterConnected})
				go r.reconcile()
			case link.ConnectionLost:
				r.emit(Event{Kind: RouterDisconnected, Err: ev.Err})
				r.failWaiters()
			}
		}
	}
}

func (r *Router) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// reconcile iterates level 0..maxLevels issuing tally-dump requests for
// matrix=0, spaced by cfg.ReconcilePacing to avoid flooding slow serial
// links. Best-effort: a dropped request just leaves blanks later tallies or
// interrogates can fill.
func (r *Router) reconcile() {
	for level := 0; level < r.cfg.MaxLevels; level++ {
		if err := r.RequestTallyDump(0, byte(level)); err != nil {
			logging.L().Debug("reconcile_dump_request_failed", "level", level, "err", err)
		}
		select {
		case <-time.After(r.cfg.ReconcilePacing):
		case <-r.ctx.Done():
			return
		}
	}
}

// Take optimistically marks (matrix,level,destination) pending and enqueues
// a Connect command. It validates synchronously and does not wait for the
// router's tally.
func (r *Router) Take(matrix, level byte, destination, source int) error {
	addr := swp08.CrosspointAddress{Matrix: matrix, Level: level, Destination: destination, Source: source}
	if err := addr.Validate(r.cfg.MaxLevels, r.cfg.MaxDestinations, r.cfg.MaxSources); err != nil {
		metrics.IncError(metrics.ErrValidation)
		return err
	}
	r.upsert(swp08.CrosspointState{Address: addr, Status: swp08.StatusPending, LastUpdate: now()})

	destHigh, destLow := swp08.EncodeAddrField(destination)
	srcHigh, srcLow := swp08.EncodeAddrField(source)
	data := []byte{
		swp08.MatrixLevelByte(matrix, level),
		swp08.Multiplier(destHigh, srcHigh, false),
		destLow,
		srcLow,
	}
	r.fireAndForget(byte(swp08.CrosspointConnect), data)
	return nil
}

// TakeMulti enqueues one Connect per level; they are not atomic at the wire
// level.
func (r *Router) TakeMulti(matrix byte, levels []byte, destination, source int) error {
	for _, level := range levels {
		if err := r.Take(matrix, level, destination, source); err != nil {
			return err
		}
	}
	return nil
}

// Interrogate requests the current source of a destination and resolves
// with the next matching tally. It fails with link.LinkError{Timeout} if no
// matching tally arrives within InterrogateTimeout, or with
// link.LinkError{Disconnected} if the link drops while the request is
// outstanding, whether or not it was already link-ACKed.
func (r *Router) Interrogate(ctx context.Context, matrix, level byte, destination int) (swp08.CrosspointState, error) {
	if int(level) >= r.cfg.MaxLevels {
		return swp08.CrosspointState{}, fmt.Errorf("%w: level %d >= max_levels %d", swp08.ErrValidation, level, r.cfg.MaxLevels)
	}
	if destination < 0 || destination >= r.cfg.MaxDestinations {
		return swp08.CrosspointState{}, fmt.Errorf("%w: destination %d out of range [0,%d)", swp08.ErrValidation, destination, r.cfg.MaxDestinations)
	}
	key := swp08.CacheKey{Matrix: matrix, Level: level, Destination: destination}
	w := &interrogateWaiter{key: key, ch: make(chan swp08.CrosspointState, 1), done: make(chan struct{})}
	r.waitersMu.Lock()
	r.waiters = append(r.waiters, w)
	r.waitersMu.Unlock()
	defer r.removeWaiter(w)

	destHigh, destLow := swp08.EncodeAddrField(destination)
	data := []byte{swp08.MatrixLevelByte(matrix, level), swp08.Multiplier(destHigh, 0, false), destLow}
	result := r.currentLink().Send(byte(swp08.CrosspointInterrogate), data)

	timer := time.NewTimer(InterrogateTimeout)
	defer timer.Stop()
	select {
	case st := <-w.ch:
		return st, nil
	case err := <-result:
		if err != nil {
			return swp08.CrosspointState{}, err
		}
		// Link-level ack only; keep waiting for the tally itself. The
		// command has already resolved, so only w.done (not the link's own
		// failAll) observes a disconnect from here on.
		select {
		case st := <-w.ch:
			return st, nil
		case <-w.done:
			return swp08.CrosspointState{}, &link.LinkError{Kind: link.Disconnected}
		case <-timer.C:
			return swp08.CrosspointState{}, &link.LinkError{Kind: link.Timeout}
		case <-ctx.Done():
			return swp08.CrosspointState{}, ctx.Err()
		}
	case <-w.done:
		return swp08.CrosspointState{}, &link.LinkError{Kind: link.Disconnected}
	case <-timer.C:
		return swp08.CrosspointState{}, &link.LinkError{Kind: link.Timeout}
	case <-ctx.Done():
		return swp08.CrosspointState{}, ctx.Err()
	}
}

// handleFrame dispatches a decoded link-layer frame to the matching parser.
// Salvo acks and group-salvo tallies are not modeled in the crosspoint
// cache; they are logged at debug level and otherwise ignored here.
func (r *Router) handleFrame(cmd byte, data []byte) {
	switch swp08.Command(cmd) {
	case swp08.CrosspointTally, swp08.CrosspointConnected:
		r.handleTally(data)
	case swp08.TallyDumpByte:
		r.handleDumpByte(data)
	case swp08.TallyDumpWord:
		r.handleDumpWord(data)
	default:
		logging.L().Debug("router_frame_unhandled", "cmd", fmt.Sprintf("%#x", cmd))
	}
}

// handleTally decodes a Crosspoint Tally (0x03) or Connected (0x04) frame:
// matrixLevel | multiplier | destLow | srcLow. A router that reports a tally
// without an explicit srcLow (mirroring the to-router Interrogate frame,
// which omits it) is treated as srcLow=0; the multiplier's source-high
// nibble still applies.
func (r *Router) handleTally(data []byte) {
	if len(data) < 3 {
		logging.L().Debug("tally_short_frame", "len", len(data))
		return
	}
	matrix, level := swp08.SplitMatrixLevel(data[0])
	destHigh, srcHigh, sourceStatus := swp08.SplitMultiplier(data[1])
	destination := swp08.DecodeAddrField(destHigh, data[2])
	var srcLow byte
	if len(data) >= 4 {
		srcLow = data[3]
	}
	source := swp08.DecodeAddrField(srcHigh, srcLow)
	addr := swp08.CrosspointAddress{Matrix: matrix, Level: level, Destination: destination, Source: source}
	r.upsert(swp08.CrosspointState{Address: addr, Status: swp08.StatusConnected, SourceStatus: sourceStatus, LastUpdate: now()})
}

// handleDumpByte decodes a Tally Dump (Byte) (0x16) frame: matrixLevel
// followed by one source-low byte per destination, starting at destination
// 0 and incrementing by one per byte (source-high is always 0 in this
// form). A short dump covering only a contiguous prefix of destinations is
// expected and not an error.
func (r *Router) handleDumpByte(data []byte) {
	if len(data) < 1 {
		return
	}
	matrix, level := swp08.SplitMatrixLevel(data[0])
	for destination, b := range data[1:] {
		addr := swp08.CrosspointAddress{Matrix: matrix, Level: level, Destination: destination, Source: int(b & 0x7F)}
		r.upsert(swp08.CrosspointState{Address: addr, Status: swp08.StatusConnected, LastUpdate: now()})
	}
}

// handleDumpWord decodes a Tally Dump (Word) (0x17) frame: matrixLevel
// followed by (multiplier, srcLow) pairs, one per destination, again
// starting at destination 0. The multiplier's destination-high nibble
// combines with the pair's running index (as the low byte) to recover the
// full destination address, the same split EncodeAddrField/DecodeAddrField
// use everywhere else; this lets a single dump frame address destinations
// beyond 127 by varying destination-high per pair.
func (r *Router) handleDumpWord(data []byte) {
	if len(data) < 1 {
		return
	}
	matrix, level := swp08.SplitMatrixLevel(data[0])
	body := data[1:]
	entry := 0
	for i := 0; i+1 < len(body); i += 2 {
		destHigh, srcHigh, sourceStatus := swp08.SplitMultiplier(body[i])
		srcLow := body[i+1]
		destination := swp08.DecodeAddrField(destHigh, byte(entry&0x7F))
		source := swp08.DecodeAddrField(srcHigh, srcLow)
		addr := swp08.CrosspointAddress{Matrix: matrix, Level: level, Destination: destination, Source: source}
		r.upsert(swp08.CrosspointState{Address: addr, Status: swp08.StatusConnected, SourceStatus: sourceStatus, LastUpdate: now()})
		entry++
	}
}

func (r *Router) removeWaiter(w *interrogateWaiter) {
	r.waitersMu.Lock()
	defer r.waitersMu.Unlock()
	for i, ww := range r.waiters {
		if ww == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

func (r *Router) failWaiters() {
	r.waitersMu.Lock()
	ws := r.waiters
	r.waiters = nil
	r.waitersMu.Unlock()
	for _, w := range ws {
		close(w.done)
	}
}

// RequestTallyDump asks the router for a full tally dump of (matrix,level);
// the dump arrives asynchronously as Tally Dump Byte/Word frames.
func (r *Router) RequestTallyDump(matrix, level byte) error {
	data := []byte{swp08.MatrixLevelByte(matrix, level)}
	r.fireAndForget(byte(swp08.TallyDumpRequest), data)
	return nil
}

// fireAndForget enqueues a command without the caller waiting on the link
// ACK; failures are logged and counted, matching spec.md §4.C's "fire and
// forget at the application level" note for connect/take commands.
func (r *Router) fireAndForget(cmd byte, data []byte) {
	result := r.currentLink().Send(cmd, data)
	go func() {
		if err := <-result; err != nil {
			metrics.IncError(metrics.ErrLinkTimeout)
			logging.L().Warn("command_failed", "cmd", fmt.Sprintf("%#x", cmd), "err", err)
		}
	}()
}

func (r *Router) upsert(st swp08.CrosspointState) {
	key := st.Key()
	r.mu.Lock()
	r.cache[key] = st
	r.mu.Unlock()
	metrics.IncCrosspointChange()
	metrics.SetCacheSize(r.Size())
	r.emit(Event{Kind: CrosspointChange, State: st})
	r.resolveWaiters(key, st)
}

func (r *Router) resolveWaiters(key swp08.CacheKey, st swp08.CrosspointState) {
	r.waitersMu.Lock()
	var matched []*interrogateWaiter
	for _, w := range r.waiters {
		if w.key == key {
			matched = append(matched, w)
		}
	}
	r.waitersMu.Unlock()
	for _, w := range matched {
		select {
		case w.ch <- st:
		default:
		}
	}
}

// Get returns the cached state for one destination, if known.
func (r *Router) Get(matrix, level byte, destination int) (swp08.CrosspointState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.cache[swp08.CacheKey{Matrix: matrix, Level: level, Destination: destination}]
	return st, ok
}

// GetAll returns a snapshot of every cached crosspoint.
func (r *Router) GetAll() []swp08.CrosspointState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]swp08.CrosspointState, 0, len(r.cache))
	for _, st := range r.cache {
		out = append(out, st)
	}
	return out
}

// GetByLevel returns a snapshot of every cached crosspoint on (matrix,level).
func (r *Router) GetByLevel(matrix, level byte) []swp08.CrosspointState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]swp08.CrosspointState, 0)
	for k, st := range r.cache {
		if k.Matrix == matrix && k.Level == level {
			out = append(out, st)
		}
	}
	return out
}

// Size returns the current number of cached crosspoint keys.
func (r *Router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func now() time.Time { return time.Now() }
