package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

func newPanelServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *PanelClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "secret", r.PostForm.Get("key"))
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewPanelClient("panel", srv.URL, "secret")
}

func TestPanelClient_CreateOrder(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "add", r.PostForm.Get("action"))
		assert.Equal(t, "42", r.PostForm.Get("service"))
		assert.Equal(t, "https://example.com/post", r.PostForm.Get("link"))
		assert.Equal(t, "1000", r.PostForm.Get("quantity"))
		_, _ = w.Write([]byte(`{"order": 23501}`))
	})

	id, err := client.CreateOrder(context.Background(), "42", "https://example.com/post", 1000)
	require.NoError(t, err)
	assert.Equal(t, "23501", id)
}

func TestPanelClient_CreateOrderError(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "Not enough funds on balance"}`))
	})

	_, err := client.CreateOrder(context.Background(), "42", "link", 10)
	gwErr, ok := domain.AsGatewayError(err)
	require.True(t, ok, "expected GatewayError, got %v", err)
	assert.Equal(t, "add", gwErr.Operation)
	assert.Equal(t, "Not enough funds on balance", gwErr.Message)
}

func TestPanelClient_HTTPErrorStatus(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetStatus(context.Background(), "1")
	gwErr, ok := domain.AsGatewayError(err)
	require.True(t, ok)
	assert.Contains(t, gwErr.Message, "502")
}

func TestPanelClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"order": 1}`))
	}))
	defer srv.Close()

	client := NewPanelClient("slow", srv.URL, "k", WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := client.CreateOrder(context.Background(), "1", "link", 1)
	gwErr, ok := domain.AsGatewayError(err)
	require.True(t, ok, "expected GatewayError, got %v", err)
	assert.Equal(t, "timeout", gwErr.Message)
}

func TestPanelClient_GetStatus(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "status", r.PostForm.Get("action"))
		assert.Equal(t, "7", r.PostForm.Get("order"))
		_, _ = w.Write([]byte(`{"charge": "0.27819", "start_count": "3572", "status": "Partial", "remains": "157", "currency": "USD"}`))
	})

	status, err := client.GetStatus(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "Partial", status.Status)
	assert.EqualValues(t, 3572, status.StartCount)
	assert.EqualValues(t, 157, status.Remains)
	assert.Equal(t, "0.27819", status.Charge)
}

func TestPanelClient_GetMultipleStatuses(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1,10", r.PostForm.Get("orders"))
		_, _ = w.Write([]byte(`{
			"1": {"charge": "0.27", "start_count": 10, "status": "Completed", "remains": 0},
			"10": {"error": "Incorrect order ID"}
		}`))
	})

	statuses, err := client.GetMultipleStatuses(context.Background(), []string{"1", "10"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "Completed", statuses["1"].Status)
	assert.EqualValues(t, 10, statuses["1"].StartCount)
	assert.Equal(t, "Incorrect order ID", statuses["10"].Error)
}

func TestPanelClient_CancelOrders(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cancel", r.PostForm.Get("action"))
		_, _ = w.Write([]byte(`[{"order": 9, "cancel": 1}, {"order": 2, "cancel": {"error": "Incorrect order ID"}}]`))
	})

	results, err := client.CancelOrders(context.Background(), []string{"9", "2"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Accepted)
	assert.Equal(t, "9", results[0].ProviderOrderID)
	assert.False(t, results[1].Accepted)
	assert.Equal(t, "Incorrect order ID", results[1].Error)
}

func TestPanelClient_CancelOrdersTopLevelError(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "Invalid API key"}`))
	})

	_, err := client.CancelOrders(context.Background(), []string{"9"})
	var gwErr *domain.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "Invalid API key", gwErr.Message)
}

func TestPanelClient_RequestRefill(t *testing.T) {
	client := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refill", r.PostForm.Get("action"))
		_, _ = w.Write([]byte(`{"refill": "1"}`))
	})

	refillID, err := client.RequestRefill(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, "1", refillID)
}
