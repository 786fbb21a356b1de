package services_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/services"
)

func dialHub(t *testing.T, hub *services.EventHub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSubscribe))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHub_Stream(t *testing.T) {
	hub := services.NewEventHub(nil)
	conn := dialHub(t, hub)

	sent := coordinator.Event{
		Kind:     "delivery",
		EntityID: "dlv-1",
		To:       "PENDING",
		At:       time.Now().UTC().Truncate(time.Second),
	}
	// The subscriber registers inside the handler goroutine; retry until the
	// emit lands.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				hub.Emit(sent)
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()

	var got coordinator.Event
	require.NoError(t, conn.ReadJSON(&got))

	require.Equal(t, sent.Kind, got.Kind)
	require.Equal(t, sent.EntityID, got.EntityID)
	require.Equal(t, sent.To, got.To)
}

func TestEventHub_EmitWithoutSubscribers(t *testing.T) {
	hub := services.NewEventHub(nil)
	hub.Emit(coordinator.Event{Kind: "delivery", EntityID: "dlv-1", To: "PENDING"})
}
