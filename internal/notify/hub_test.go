package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/scrypster/mnemo/pkg/types"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dialTail(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev types.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_BroadcastsToSubscriber(t *testing.T) {
	hub, srv := startHub(t)
	conn := dialTail(t, srv.URL)

	// Registration races the publish; give the hub a beat to admit the client.
	time.Sleep(50 * time.Millisecond)

	hub.Publish(types.Event{Seq: 7, UserID: "user-1", Op: types.OpCreateNode})

	ev := readEvent(t, conn)
	assert.Equal(t, int64(7), ev.Seq)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, types.OpCreateNode, ev.Op)
}

func TestHub_UserFilter(t *testing.T) {
	hub, srv := startHub(t)
	conn := dialTail(t, srv.URL+"?user_id=user-2")

	time.Sleep(50 * time.Millisecond)

	hub.Publish(types.Event{Seq: 1, UserID: "user-1", Op: types.OpCreateNode})
	hub.Publish(types.Event{Seq: 2, UserID: "user-2", Op: types.OpCreateEdge})

	ev := readEvent(t, conn)
	assert.Equal(t, "user-2", ev.UserID, "filtered tail should skip other users")
	assert.Equal(t, int64(2), ev.Seq)
}

func TestHub_StopUnblocksClientPumps(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	before := runtime.NumGoroutine()

	conn1 := dialTail(t, srv.URL)
	conn2 := dialTail(t, srv.URL)
	time.Sleep(50 * time.Millisecond)

	hub.Stop()
	_ = conn1.Close(websocket.StatusNormalClosure, "")
	_ = conn2.Close(websocket.StatusNormalClosure, "")

	// After Stop nobody receives on the unregister channel; the pump
	// goroutines must still exit instead of parking on the send.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("client pump goroutines did not exit after Stop: %d running, started with %d",
		runtime.NumGoroutine(), before)
}
