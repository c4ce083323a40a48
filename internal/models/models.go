package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role is the kind of client attached to a socket.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleDriver   Role = "driver"
)

// ParseRole accepts the role names used by the client apps, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCustomer, "user", "":
		return RoleCustomer, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleDriver:
		return RoleDriver, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Spectators are the roles that watch truck positions.
var Spectators = []Role{RoleCustomer, RoleAdmin}

// OrderID identifies a sale. Clients send it either as a JSON number or a
// string, so both are accepted on decode.
type OrderID string

func (id *OrderID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = OrderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("order id: %w", err)
	}
	*id = OrderID(n.String())
	return nil
}

// LocationSample is the last known position of a driver.
type LocationSample struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Online    bool      `json:"online"`
	Stale     bool      `json:"stale"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

type OrderItem struct {
	VegetableID   string  `json:"vegetableId"`
	VegetableName string  `json:"vegetableName"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
}

// Order is the snapshot of a sale handed over by order management.
type Order struct {
	ID         OrderID     `json:"id"`
	CustomerID string      `json:"userId"`
	Items      []OrderItem `json:"items"`
	Total      float64     `json:"total"`
	CreatedAt  time.Time   `json:"date"`
}

type OfferState string

const (
	OfferPending  OfferState = "PENDING"
	OfferAccepted OfferState = "RESOLVED_ACCEPTED"
	OfferExpired  OfferState = "RESOLVED_EXPIRED"
	OfferCanceled OfferState = "CANCELLED"
)

func (s OfferState) Terminal() bool { return s != OfferPending }

// Offer is one dispatch of an urgent order to a set of drivers.
type Offer struct {
	ID         string     `json:"offerId"`
	OrderID    OrderID    `json:"orderId"`
	Order      Order      `json:"order"`
	Eligible   []string   `json:"eligibleDrivers"`
	Declined   []string   `json:"declinedDrivers,omitempty"`
	State      OfferState `json:"state"`
	WinnerID   string     `json:"winnerId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Deadline   time.Time  `json:"expiresAt"`
	ResolvedAt time.Time  `json:"resolvedAt,omitempty"`
}

// IsEligible reports whether driverID was notified of the offer.
func (o Offer) IsEligible(driverID string) bool {
	for _, id := range o.Eligible {
		if id == driverID {
			return true
		}
	}
	return false
}
