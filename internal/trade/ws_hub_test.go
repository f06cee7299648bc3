package trade_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flipledger/ledger-engine/internal/ingest"
	"github.com/flipledger/ledger-engine/internal/ratelimit"
	"github.com/flipledger/ledger-engine/internal/trade"
)

func dialFeed(t *testing.T, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=" + token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *trade.WSHub, userID int64, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients(userID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients for user %d, got %d", n, userID, hub.Clients(userID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startHub(t *testing.T, hub *trade.WSHub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWSHub_DeliversOnlyToOwner(t *testing.T) {
	_, r, hub := newTestEnv(t, ratelimit.DefaultDailyLimit)
	startHub(t, hub)
	srv := httptest.NewServer(r)
	defer srv.Close()

	mine := dialFeed(t, srv, testUser)
	other := dialFeed(t, srv, 7)
	waitForClients(t, hub, testUser, 1)
	waitForClients(t, hub, 7, 1)

	w := do(t, r, "POST", "/api/v1/trades", batchBody(fillJSON("buy-ws", "buy", "completed", 100, 5, 5, t0)))
	if w.Code != 200 {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}

	mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := mine.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != ingest.FeedLotOpened {
		t.Errorf("expected %s, got %s", ingest.FeedLotOpened, msg.Type)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("another user's connection must not receive the message")
	}
}

func TestWSHub_UnregistersOnClose(t *testing.T) {
	_, r, hub := newTestEnv(t, ratelimit.DefaultDailyLimit)
	startHub(t, hub)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialFeed(t, srv, testUser)
	waitForClients(t, hub, testUser, 1)

	conn.Close()
	waitForClients(t, hub, testUser, 0)
}

func TestWSHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	hub := trade.NewWSHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(testUser, ingest.FeedMatchRecorded, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no hub loop running")
	}
}
