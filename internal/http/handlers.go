package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/delivery-relay/internal/bus"
	"github.com/example/delivery-relay/internal/dispatch"
	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/payments"
)

const maxBodyBytes = 1 << 20

type dispatchRequest struct {
	models.Order
	EligibleDrivers []string `json:"eligibleDrivers"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	offer, err := s.coord.Dispatch(r.Context(), req.Order, req.EligibleDrivers)
	switch {
	case errors.Is(err, dispatch.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrDuplicateDispatch):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("dispatch_failed", "order_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := models.OrderID(mux.Vars(r)["id"])
	offer, err := s.coord.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, dispatch.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, dispatch.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id := models.OrderID(mux.Vars(r)["id"])
	offer, ok := s.coord.Offer(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no offer for order")
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.relay.CurrentPosition(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "no known position")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

type broadcastRequest struct {
	Type       models.MessageType `json:"type"`
	Payload    json.RawMessage    `json:"payload"`
	Roles      []models.Role      `json:"roles"`
	Identities []string           `json:"identities"`
}

// handleBroadcast lets the order management app push its own notifications
// (wishlist changes, cash payments) through the open sockets. Without roles
// or identities it goes to everyone.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	aud := bus.ToRoles(req.Roles...).And(bus.ToIdentities(req.Identities...))
	if len(req.Roles) == 0 && len(req.Identities) == 0 {
		aud = bus.ToRoles(models.RoleCustomer, models.RoleAdmin, models.RoleDriver)
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	n, err := s.bus.Publish(aud, models.Message{Type: req.Type, Payload: payload})
	if errors.Is(err, bus.ErrUnknownMessageType) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payment, err := s.payments.Verify(body, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, payments.ErrIgnoredEvent) {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.logger.Warn("stripe_webhook_rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	s.logger.Info("payment_received", "order_id", payment.OrderID, "intent_id", payment.IntentID, "amount", payment.Amount)
	if _, err := s.bus.Publish(bus.ToRoles(models.RoleAdmin), models.Message{
		Type:    models.TypePaymentReceivedOnline,
		Payload: payment,
	}); err != nil {
		s.logger.Error("payment_broadcast_failed", "order_id", payment.OrderID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
