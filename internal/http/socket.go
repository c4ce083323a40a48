package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/dispatch"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/observability"
	"github.com/example/delivery-relay/internal/registry"
	"github.com/example/delivery-relay/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
)

var (
	errClientGone = errors.New("client went away")
	errReplaced   = errors.New("connection replaced or closed")
)

// clientIdentity reads the role and identity set by the auth proxy, falling
// back to query parameters for local clients.
func clientIdentity(r *http.Request) (models.Role, string, error) {
	rawRole := r.Header.Get("X-Client-Role")
	if rawRole == "" {
		rawRole = r.URL.Query().Get("role")
	}
	role, err := models.ParseRole(rawRole)
	if err != nil {
		return "", "", err
	}
	id := strings.TrimSpace(r.Header.Get("X-Client-ID"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("id"))
	}
	if role == models.RoleDriver && id == "" {
		return "", "", errors.New("driver identity required")
	}
	return role, id, nil
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	role, identity, err := clientIdentity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}

	c := s.reg.Register(role, identity)
	session := sessionFrom(r.Context())
	session.opened(c.ID, role, identity)
	logger := s.logger.With("conn_id", c.ID, "role", role, "identity", identity)
	logger.Info("ws_connected")
	defer func() {
		s.reg.Unregister(c.ID)
		_ = ws.Close()
	}()

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readPump(ctx, ws, c, logger) })
	g.Go(func() error { return s.writePump(ctx, ws, c) })
	err = g.Wait()
	// the access log reports the session once the handler returns
	switch {
	case errors.Is(err, errClientGone):
		session.closed("client_gone")
	case errors.Is(err, context.Canceled):
		session.closed("canceled")
	case errors.Is(err, errReplaced):
		session.closed("closed_by_server")
	default:
		session.closed("write_failed")
		logger.Warn("ws_write_failed", "error", err)
	}
}

// readPump handles one socket's frames in arrival order. It always returns a
// non-nil error so the group tears down the writer too.
func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, c *registry.Connection, logger *slog.Logger) error {
	pongWait := s.pingInterval + s.pingInterval/2
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("ws_read_error", "error", err)
			}
			return errClientGone
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, c, data, logger)
	}
}

// writePump is the only goroutine writing data frames to ws.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, c *registry.Connection) error {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		// unblocks readPump
		_ = ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()
		case <-c.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced"), time.Now().Add(writeWait))
			return errReplaced
		case frame := <-c.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, c *registry.Connection, data []byte, logger *slog.Logger) {
	msg, err := models.DecodeInbound(data)
	if err != nil {
		observability.InboundMessages.WithLabelValues("invalid", "rejected").Inc()
		logger.Debug("bad_frame", "error", err)
		s.sendError(c, "bad_message", err.Error())
		return
	}
	typ := inboundType(msg)
	if c.Role != models.RoleDriver {
		observability.InboundMessages.WithLabelValues(string(typ), "forbidden").Inc()
		s.sendError(c, "forbidden", string(typ)+" is only accepted from drivers")
		return
	}

	switch m := msg.(type) {
	case models.LocationUpdate:
		if _, err := s.relay.UpdatePosition(ctx, c.Identity, m.Lat, m.Lon); err != nil {
			observability.InboundMessages.WithLabelValues(string(typ), "rejected").Inc()
			if errors.Is(err, relay.ErrInvalidCoordinate) {
				s.sendError(c, "invalid_coordinate", err.Error())
			}
			return
		}
	case models.AcceptOrder:
		// losers are told by the coordinator itself
		if _, err := s.coord.Accept(ctx, m.OrderID, c.Identity); err != nil {
			observability.InboundMessages.WithLabelValues(string(typ), "rejected").Inc()
			logger.Debug("accept_refused", "order_id", m.OrderID, "error", err)
			return
		}
	case models.DeclineOrder:
		if _, err := s.coord.Decline(ctx, m.OrderID, c.Identity); err != nil {
			observability.InboundMessages.WithLabelValues(string(typ), "rejected").Inc()
			s.sendError(c, declineCode(err), err.Error())
			return
		}
	}
	observability.InboundMessages.WithLabelValues(string(typ), "ok").Inc()
}

func (s *Server) sendError(c *registry.Connection, code, message string) {
	if _, err := s.bus.Publish(bus.ToConnection(c.ID), models.Message{
		Type:    models.TypeError,
		Payload: models.ErrorPayload{Code: code, Message: message},
	}); err != nil {
		s.logger.Warn("error_reply_failed", "conn_id", c.ID, "error", err)
	}
}

func inboundType(m models.Inbound) models.MessageType {
	switch m.(type) {
	case models.LocationUpdate:
		return models.TypeDriverLocationUpdate
	case models.AcceptOrder:
		return models.TypeAcceptOrder
	case models.DeclineOrder:
		return models.TypeDeclineOrder
	}
	return "unknown"
}

func declineCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrOfferNotFound):
		return "not_found"
	case errors.Is(err, dispatch.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, dispatch.ErrNotEligible):
		return "not_eligible"
	}
	return "decline_failed"
}
