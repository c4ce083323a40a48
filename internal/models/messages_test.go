package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
		err  error
	}{
		{
			name: "location",
			raw:  `{"type":"driver_location_update","payload":{"lat":23.18,"lon":75.79}}`,
			want: LocationUpdate{Lat: 23.18, Lon: 75.79},
		},
		{
			name: "accept numeric id",
			raw:  `{"type":"accept_order","payload":{"orderId":42}}`,
			want: AcceptOrder{OrderID: "42"},
		},
		{
			name: "accept string id",
			raw:  `{"type":"accept_order","payload":{"orderId":"ord-7"}}`,
			want: AcceptOrder{OrderID: "ord-7"},
		},
		{
			name: "decline",
			raw:  `{"type":"decline_order","payload":{"orderId":"9"}}`,
			want: DeclineOrder{OrderID: "9"},
		},
		{
			name: "accept without id",
			raw:  `{"type":"accept_order","payload":{}}`,
			err:  ErrMissingOrderID,
		},
		{
			name: "missing payload",
			raw:  `{"type":"driver_location_update"}`,
			err:  ErrMissingPayload,
		},
		{
			name: "null payload",
			raw:  `{"type":"accept_order","payload":null}`,
			err:  ErrMissingPayload,
		},
		{
			name: "outbound type sent by client",
			raw:  `{"type":"truck_location_broadcast","payload":{}}`,
			err:  ErrUnknownType,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tc.raw))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	_, err := DecodeInbound([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeInbound([]byte(`{"type":"driver_location_update","payload":{"lat":"north"}}`))
	assert.Error(t, err)

	for _, payload := range []string{
		`{}`,
		`{"lat":23.1}`,
		`{"lon":75.7}`,
		`{"latitude":23.1,"longitude":75.7}`,
		`{"lat":null,"lon":75.7}`,
	} {
		_, err := DecodeInbound([]byte(`{"type":"driver_location_update","payload":` + payload + `}`))
		assert.ErrorIs(t, err, ErrMissingCoordinate, payload)
	}
}

func TestDecodeInboundKeepsZeroCoordinates(t *testing.T) {
	got, err := DecodeInbound([]byte(`{"type":"driver_location_update","payload":{"lat":0,"lon":0}}`))
	require.NoError(t, err)
	assert.Equal(t, LocationUpdate{}, got)
}

func TestOrderIDRejectsObjects(t *testing.T) {
	var id OrderID
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &id))
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"": RoleCustomer, "user": RoleCustomer, "Admin": RoleAdmin, " driver ": RoleDriver} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseRole("root")
	assert.Error(t, err)
}

func TestOfferStateTerminal(t *testing.T) {
	assert.False(t, OfferPending.Terminal())
	for _, s := range []OfferState{OfferAccepted, OfferExpired, OfferCanceled} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestUrgentOrderOfferFlattensOrder(t *testing.T) {
	b, err := json.Marshal(UrgentOrderOffer{Order: Order{ID: "42", Total: 10}, OfferID: "x"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "42", m["id"])
	assert.Equal(t, "x", m["offerId"])
	assert.NotContains(t, m, "etaSeconds")
}

func TestIsOutbound(t *testing.T) {
	assert.True(t, IsOutbound(TypeWishlistUpdate))
	assert.False(t, IsOutbound(TypeAcceptOrder))
}
