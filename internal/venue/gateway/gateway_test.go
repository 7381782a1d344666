package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ballast/internal/config"
	"ballast/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderStatus(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want venue.OrderStatus
	}{
		{
			name: "standard_fields",
			raw:  `{"order_id":"V1","client_order_id":"C1","status":"filled","filled_qty":5,"avg_fill_price":101.5}`,
			want: venue.OrderStatus{VenueOrderID: "V1", ClientOrderID: "C1", State: venue.StateFilled, FilledQty: 5, AvgFillPrice: 101.5},
		},
		{
			name: "legacy_fields",
			raw:  `{"id":"V2","state":"working","executed_qty":"2.0","avg_price":99}`,
			want: venue.OrderStatus{VenueOrderID: "V2", State: venue.StateAccepted, FilledQty: 2, AvgFillPrice: 99},
		},
		{
			name: "price_reject",
			raw:  `{"order_id":"V3","status":"rejected","reject_reason":"limit price outside band"}`,
			want: venue.OrderStatus{VenueOrderID: "V3", State: venue.StateRejected, Reason: "limit price outside band", RejectKind: venue.RejectPrice},
		},
		{
			name: "other_reject",
			raw:  `{"order_id":"V4","status":"rejected","message":"insufficient margin"}`,
			want: venue.OrderStatus{VenueOrderID: "V4", State: venue.StateRejected, Reason: "insufficient margin", RejectKind: venue.RejectOther},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseOrderStatus([]byte(tc.raw))
			assert.Equal(t, tc.want.VenueOrderID, got.VenueOrderID)
			assert.Equal(t, tc.want.ClientOrderID, got.ClientOrderID)
			assert.Equal(t, tc.want.State, got.State)
			assert.Equal(t, tc.want.FilledQty, got.FilledQty)
			assert.Equal(t, tc.want.AvgFillPrice, got.AvgFillPrice)
			assert.Equal(t, tc.want.RejectKind, got.RejectKind)
		})
	}
}

func newTestGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(config.VenueConfig{APIURL: srv.URL, APIToken: "t", TimeoutSeconds: 5})
	require.NoError(t, err)
	return NewWithClient("test", client)
}

func TestGatewayRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		// 信封格式；quantity 故意给字符串，老网关就是这么编码的
		json.NewEncoder(w).Encode(map[string]any{"positions": []map[string]any{
			{"symbol": "ES", "quantity": "-2.0", "avg_cost": 4500.0, "currency": "usd"},
		}})
	})
	mux.HandleFunc("GET /account", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"cash": 250000.0, "currency": "USD"})
	})
	mux.HandleFunc("GET /quotes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"symbol": r.URL.Query().Get("symbol"), "last": 4510.0, "bid": 4509.75, "ask": 4510.25})
	})
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var p orderPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "buy", p.Side)
		json.NewEncoder(w).Encode(map[string]any{"order_id": "V100", "client_order_id": p.ClientOrderID, "status": "accepted"})
	})
	mux.HandleFunc("GET /orders/V100", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"order_id": "V100", "status": "filled", "filled_qty": 2.0, "avg_fill_price": 4510.25})
	})

	g := newTestGateway(t, mux)
	ctx := context.Background()

	positions, err := g.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "ES", positions[0].Symbol)
	assert.Equal(t, -2.0, positions[0].Quantity)
	assert.Equal(t, "USD", positions[0].Currency)

	account, err := g.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250000.0, account.Cash)

	quote, err := g.GetQuote(ctx, "ES")
	require.NoError(t, err)
	assert.Equal(t, 4509.75, quote.Bid)
	assert.InDelta(t, 4510.0, quote.Mid(), 1e-9)

	ack, err := g.SubmitOrder(ctx, venue.Order{ClientOrderID: "C100", Symbol: "ES", Side: venue.SideBuy, Quantity: 2, LimitPrice: 4510.25})
	require.NoError(t, err)
	assert.Equal(t, "V100", ack.VenueOrderID)
	assert.Equal(t, venue.StateAccepted, ack.State)

	status, err := g.GetOrderStatus(ctx, "V100")
	require.NoError(t, err)
	assert.Equal(t, venue.StateFilled, status.State)
	assert.Equal(t, 2.0, status.FilledQty)
}

func TestGatewayRetriesReads(t *testing.T) {
	old := retryBackoff
	retryBackoff = 10 * time.Millisecond
	defer func() { retryBackoff = old }()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /account", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "gateway warming up", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"cash": 1000.0, "currency": "USD"})
	})

	g := newTestGateway(t, mux)
	account, err := g.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, account.Cash)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGatewayRetryExhaustion(t *testing.T) {
	old := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = old }()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	g := newTestGateway(t, mux)
	_, err := g.GetPositions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试 3 次后仍失败")
}
