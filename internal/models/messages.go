package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the "type" tag of a socket envelope.
type MessageType string

// Inbound types.
const (
	TypeDriverLocationUpdate MessageType = "driver_location_update"
	TypeAcceptOrder          MessageType = "accept_order"
	TypeDeclineOrder         MessageType = "decline_order"
)

// Outbound types.
const (
	TypeTruckLocation       MessageType = "truck_location_broadcast"
	TypeTruckLocationStale  MessageType = "truck_location_stale"
	TypeNewUrgentOrder      MessageType = "new_urgent_order"
	TypeOrderAccepted       MessageType = "order_accepted_by_driver"
	TypeOrderAcceptRejected MessageType = "order_accept_rejected"
	TypeUrgentOrderClosed   MessageType = "urgent_order_closed"
	TypeUrgentOrderExpired  MessageType = "urgent_order_expired"
	TypeUrgentOrderCanceled MessageType = "urgent_order_cancelled"
	TypeError               MessageType = "error"

	// Published by the surrounding CRUD application over the same sockets.
	TypeWishlistUpdate        MessageType = "wishlist_update"
	TypePaymentReceivedCash   MessageType = "payment_received_cash"
	TypePaymentReceivedOnline MessageType = "payment_received_online"
)

var outboundTypes = map[MessageType]struct{}{
	TypeTruckLocation:         {},
	TypeTruckLocationStale:    {},
	TypeNewUrgentOrder:        {},
	TypeOrderAccepted:         {},
	TypeOrderAcceptRejected:   {},
	TypeUrgentOrderClosed:     {},
	TypeUrgentOrderExpired:    {},
	TypeUrgentOrderCanceled:   {},
	TypeError:                 {},
	TypeWishlistUpdate:        {},
	TypePaymentReceivedCash:   {},
	TypePaymentReceivedOnline: {},
}

// IsOutbound reports whether t may be sent to clients.
func IsOutbound(t MessageType) bool {
	_, ok := outboundTypes[t]
	return ok
}

// Envelope is the wire shape shared by both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound envelope before encoding.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// Inbound is implemented by every decoded client message.
type Inbound interface {
	inbound()
}

type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type AcceptOrder struct {
	OrderID OrderID `json:"orderId"`
}

type DeclineOrder struct {
	OrderID OrderID `json:"orderId"`
}

func (LocationUpdate) inbound() {}
func (AcceptOrder) inbound()    {}
func (DeclineOrder) inbound()   {}

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingPayload = errors.New("missing payload")
	ErrMissingOrderID = errors.New("missing orderId")

	ErrMissingCoordinate = errors.New("lat and lon are required")
)

// DecodeInbound parses a raw socket frame into one of the Inbound variants.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%s: %w", env.Type, ErrMissingPayload)
	}
	switch env.Type {
	case TypeDriverLocationUpdate:
		var raw struct {
			Lat *float64 `json:"lat"`
			Lon *float64 `json:"lon"`
		}
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		// a missing field must not read as the equator or the meridian
		if raw.Lat == nil || raw.Lon == nil {
			return nil, fmt.Errorf("%s: %w", env.Type, ErrMissingCoordinate)
		}
		return LocationUpdate{Lat: *raw.Lat, Lon: *raw.Lon}, nil
	case TypeAcceptOrder:
		var m AcceptOrder
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.OrderID == "" {
			return nil, ErrMissingOrderID
		}
		return m, nil
	case TypeDeclineOrder:
		var m DeclineOrder
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.OrderID == "" {
			return nil, ErrMissingOrderID
		}
		return m, nil
	}
	return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownType)
}

// Outbound payloads.

type TruckLocation struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

type TruckStale struct {
	DriverID string    `json:"driverId"`
	LastSeen time.Time `json:"lastSeen"`
}

// UrgentOrderOffer is what a driver's order toast renders.
type UrgentOrderOffer struct {
	Order
	OfferID    string    `json:"offerId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ETASeconds float64   `json:"etaSeconds,omitempty"`
	DistanceM  float64   `json:"distanceMeters,omitempty"`
}

type OrderAccepted struct {
	OrderID  OrderID `json:"orderId"`
	DriverID string  `json:"driverId"`
}

type OrderRejected struct {
	OrderID OrderID `json:"orderId"`
	Reason  string  `json:"reason"`
}

type OfferClosed struct {
	OrderID OrderID    `json:"orderId"`
	OfferID string     `json:"offerId"`
	State   OfferState `json:"state"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
