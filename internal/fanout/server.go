// Package fanout multiplexes many concurrent local WebSocket clients onto
// the single exclusive link to the router (internal/router.Router),
// broadcasting tally/label/salvo deltas and serving query requests from the
// router's cache, per spec.md §4.E. It is grounded on the teacher's
// internal/hub + internal/server pair, with the client transport swapped
// from raw TCP/cannelloni framing to gorilla/websocket carrying JSON
// envelopes (spec.md §9: typed events, not string dispatch at the
// payload-shape level — Type still names the event, but every payload has
// a fixed Go struct).
package fanout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/proswitch/swp08gw/internal/label"
	"github.com/proswitch/swp08gw/internal/logging"
	"github.com/proswitch/swp08gw/internal/metrics"
	"github.com/proswitch/swp08gw/internal/router"
	"github.com/proswitch/swp08gw/internal/salvo"
)

// Sentinel errors, wrapped with %w and mapped to metrics at the boundary,
// grounded on the teacher's internal/server/errors.go.
var (
	ErrListen    = errors.New("fanout listen")
	ErrUpgrade   = errors.New("fanout upgrade")
	ErrConnWrite = errors.New("fanout conn write")
	ErrConnRead  = errors.New("fanout conn read")
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	statusInterval      = 5 * time.Second
)

// Server hosts the WebSocket listener and owns the Hub, the upstream
// Router, and the label/salvo stores.
type Server struct {
	Hub    *Hub
	Router *router.Router
	Labels *label.Store
	Salvos *salvo.Store

	AllowedOrigin string
	ReadTimeout   time.Duration
	MaxClients    int

	upgrader websocket.Upgrader

	statusMu       sync.RWMutex
	connected      bool
	connectionType string
	lastUpdate     time.Time

	httpSrv   *http.Server
	wg        sync.WaitGroup
	readyCh   chan struct{}
	readyOnce sync.Once
}

// NewServer constructs a fan-out Server wired to router/label/salvo stores.
func NewServer(hub *Hub, r *router.Router, labels *label.Store, salvos *salvo.Store, allowedOrigin string, connectionType string) *Server {
	s := &Server{
		Hub:            hub,
		Router:         r,
		Labels:         labels,
		Salvos:         salvos,
		AllowedOrigin:  allowedOrigin,
		ReadTimeout:    defaultReadTimeout,
		connectionType: connectionType,
		readyCh:        make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			return origin == "" || s.AllowedOrigin == "*" || origin == s.AllowedOrigin
		},
	}
	return s
}

// Serve starts the HTTP/WebSocket listener at addr and the background
// event-forwarding goroutines. It returns once the listener fails or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade(ctx))
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardRouterEvents(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardLabelEvents(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardSalvoEvents(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statusLoop(ctx)
	}()

	go func() { <-ctx.Done(); _ = s.httpSrv.Close() }()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(metrics.ErrFanoutWrite)
		return wrap
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
	logging.L().Info("fanout_listen", "addr", ln.Addr().String())

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(metrics.ErrFanoutWrite)
		return wrap
	}
	return nil
}

// Ready is closed once the listener is bound, mirroring the teacher's
// internal/server.Server.Ready used to gate the process readiness probe.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Shutdown stops the listener and waits for background goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleUpgrade(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.MaxClients > 0 && s.Hub.Count() >= s.MaxClients {
			metrics.IncFanoutReject()
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrUpgrade, err)
			metrics.IncError(metrics.ErrFanoutRead)
			logging.L().Warn("fanout_upgrade_failed", "err", wrap)
			return
		}
		s.handleClient(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn *websocket.Conn) {
	cl := &Client{
		ID:     uuid.NewString(),
		Out:    make(chan Envelope, s.clientBuf()),
		Closed: make(chan struct{}),
	}
	s.Hub.Add(cl)

	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	s.wg.Add(2)
	go s.writePump(conn, cl)
	go s.readPump(ctx, conn, cl, readTimeout)
}

func (s *Server) clientBuf() int {
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		return s.Hub.OutBufSize
	}
	return 256
}

func (s *Server) writePump(conn *websocket.Conn, cl *Client) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	for {
		select {
		case env, ok := <-cl.Out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(metrics.ErrFanoutWrite)
				logging.L().Debug("fanout_write_failed", "client_id", cl.ID, "err", wrap)
				return
			}
		case <-cl.Closed:
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, cl *Client, readTimeout time.Duration) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.Hub.Remove(cl)
	}()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				metrics.IncError(metrics.ErrFanoutRead)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-cl.Closed:
			return
		default:
		}
		s.dispatch(cl, env)
	}
}
