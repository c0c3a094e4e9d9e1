package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ev := types.Event{ID: "ev-1", Type: types.EventTaskCompleted, Source: "s-1", Data: map[string]interface{}{"task_id": "t-1"}}
	require.NoError(t, hub.Publish(context.Background(), ev))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got types.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, "t-1", got.Data["task_id"])
}

func TestHub_RemovesDisconnectedClient(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, hub.Publish(context.Background(), types.Event{ID: "after"}))
}

func TestWebhook_ForwardsAlertsOnly(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, types.Event{Type: types.EventTaskCompleted, Source: "s-1"}))
	require.NoError(t, n.Publish(ctx, types.Event{
		Type:   types.EventAlert,
		Source: "s-1",
		Data:   map[string]interface{}{"message": "price spike", "severity": "critical"},
	}))
	require.NoError(t, n.Publish(ctx, types.Event{
		Type:   types.EventRiskWarning,
		Source: "risk",
		Data:   map[string]interface{}{"message": "daily loss at 85% of limit", "severity": "warning"},
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "Strategy alert", received[0].Title)
	assert.Equal(t, "price spike", received[0].Message)
	assert.Equal(t, "critical", received[0].Severity)
	assert.Equal(t, "Risk warning", received[1].Title)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Publish(context.Background(), types.Event{Type: types.EventAlert})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_NoURLIsNoop(t *testing.T) {
	assert.NoError(t, NewWebhookNotifier("", time.Second).Publish(context.Background(), types.Event{Type: types.EventAlert}))
}
