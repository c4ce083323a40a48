package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/dispatch"
	"github.com/example/delivery-relay/internal/logging"
	"github.com/example/delivery-relay/internal/payments"
	"github.com/example/delivery-relay/internal/registry"
	"github.com/example/delivery-relay/internal/relay"
)

// Deps are the components the HTTP surface drives. Payments and Ready are
// optional.
type Deps struct {
	Registry     *registry.Registry
	Bus          bus.Publisher
	Relay        *relay.Relay
	Coordinator  *dispatch.Coordinator
	Payments     *payments.WebhookVerifier
	Ready        func(ctx context.Context) error
	PingInterval time.Duration
	Logger       *slog.Logger
}

type Server struct {
	reg      *registry.Registry
	bus      bus.Publisher
	relay    *relay.Relay
	coord    *dispatch.Coordinator
	payments *payments.WebhookVerifier
	ready    func(ctx context.Context) error

	pingInterval time.Duration
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	mux          *mux.Router
}

func NewServer(d Deps) *Server {
	if d.PingInterval <= 0 {
		d.PingInterval = 30 * time.Second
	}
	s := &Server{
		reg:          d.Registry,
		bus:          d.Bus,
		relay:        d.Relay,
		coord:        d.Coordinator,
		payments:     d.Payments,
		ready:        d.Ready,
		pingInterval: d.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the dashboards and the driver app are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.Component(d.Logger, "http"),
		mux:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.registerMiddleware()

	s.mux.HandleFunc("/socket", s.handleSocket).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/orders/urgent", s.handleDispatch).Methods(http.MethodPost)
	internal.HandleFunc("/orders/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	internal.HandleFunc("/orders/{id}/offer", s.handleGetOffer).Methods(http.MethodGet)
	internal.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodGet)
	internal.HandleFunc("/broadcast", s.handleBroadcast).Methods(http.MethodPost)

	s.mux.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("not_ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
