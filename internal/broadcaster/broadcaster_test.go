package broadcaster

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/models"
)

func TestBroadcaster_EmitWithNoSubscribers(t *testing.T) {
	b := New(4, zap.NewNop())
	b.Emit(&models.LocationUpdate{DeviceID: "dev-1"})
	require.EqualValues(t, 1, b.EmittedCount())
	require.Zero(t, b.SubscriberCount())
}

func TestBroadcaster_DeliversToSubscriber(t *testing.T) {
	b := New(4, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, b.ServeWS(w, r))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "dial")
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, b.SubscriberCount())

	b.Emit(&models.LocationUpdate{DeviceID: "dev-1", Latitude: 12.97, Longitude: 77.59})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err, "read message")
	require.NotEmpty(t, payload, "expected non-empty broadcast payload")

	b.Close()
}

func TestBroadcaster_DropsOldestOnOverflow(t *testing.T) {
	b := New(1, zap.NewNop())
	sub := &subscriber{id: "s", outbox: make(chan *models.LocationUpdate, 1), done: make(chan struct{})}
	b.subs["s"] = sub

	first := &models.LocationUpdate{DeviceID: "first"}
	second := &models.LocationUpdate{DeviceID: "second"}
	b.Emit(first)
	b.Emit(second)

	require.EqualValues(t, 1, b.DroppedCount())
	got := <-sub.outbox
	require.Equal(t, "second", got.DeviceID)
}
