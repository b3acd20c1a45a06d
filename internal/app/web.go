package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // diagnostics page is served from the device itself
	},
}

const wsWriteTimeout = 10 * time.Second

// wsMessage is pushed to /ws clients. A position message without a
// position means the receiver has no fix.
type wsMessage struct {
	Type         string     `json:"type"`
	Position     *gps.Fix   `json:"position,omitempty"`
	Connectivity *ble.State `json:"connectivity,omitempty"`
}

// WebServer exposes the latest state for diagnostics.
type WebServer struct {
	fixes    *watch.Channel[*gps.Fix]
	states   *watch.Channel[ble.State]
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func NewWebServer(fixes *watch.Channel[*gps.Fix], states *watch.Channel[ble.State], gatherer prometheus.Gatherer, logger *slog.Logger) *WebServer {
	return &WebServer{
		fixes:    fixes,
		states:   states,
		gatherer: gatherer,
		logger:   logger.With("component", "web"),
	}
}

func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/position", func(w http.ResponseWriter, r *http.Request) {
		writeLatest(w, s.fixes, s.logger)
	})
	mux.HandleFunc("/api/connectivity", func(w http.ResponseWriter, r *http.Request) {
		writeLatest(w, s.states, s.logger)
	})
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run listens on addr and serves until ctx ends.
func (s *WebServer) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func writeLatest[T any](w http.ResponseWriter, ch *watch.Channel[T], logger *slog.Logger) {
	v, ok := ch.Get()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("json encode error", "error", err)
	}
}

// handleWS pushes the current value of both channels, then every change,
// until the client goes away.
func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames; a read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	msgs := make(chan wsMessage, 8)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream(ctx, s.fixes.Subscribe(), msgs, func(f *gps.Fix) wsMessage {
			return wsMessage{Type: "position", Position: f}
		})
	})
	g.Go(func() error {
		return stream(ctx, s.states.Subscribe(), msgs, func(st ble.State) wsMessage {
			return wsMessage{Type: "connectivity", Connectivity: &st}
		})
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m := <-msgs:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(m); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("websocket closed", "error", err)
	}
}

func stream[T any](ctx context.Context, rx *watch.Receiver[T], out chan<- wsMessage, wrap func(T) wsMessage) error {
	for {
		v, err := rx.Changed(ctx)
		if err != nil {
			return err
		}
		select {
		case out <- wrap(v):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
