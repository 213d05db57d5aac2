package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/auction-engine/internal/events"
)

type failing struct{}

func (failing) Publish(context.Context, events.Event) error { return errors.New("broker down") }

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	a, b := &events.Recorder{}, &events.Recorder{}
	f := events.Fanout{a, failing{}, b}

	err := f.Publish(context.Background(), events.Event{Type: events.BidAccepted, AuctionID: "a1"})
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("every publisher should receive the event despite one failing")
	}
}

func TestRoutingKey(t *testing.T) {
	if got := events.RoutingKey(events.AuctionFinalized); got != "auction.auction_finalized" {
		t.Errorf("unexpected routing key %q", got)
	}
	if got := events.Channel("a1"); got != "auction:a1" {
		t.Errorf("unexpected channel %q", got)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *events.WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readType(t *testing.T, conn *websocket.Conn) (events.Type, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return e.Type, true
}

func TestWSHub_RoutesByAuctionAndBidder(t *testing.T) {
	hub := events.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	alice := dial(t, srv, "auction_id=a1&bidder_id=alice")
	bob := dial(t, srv, "auction_id=a1&bidder_id=bob")
	other := dial(t, srv, "auction_id=a2")
	waitClients(t, hub, 3)

	hub.Publish(ctx, events.Event{Type: events.BidAccepted, AuctionID: "a1"})
	hub.Publish(ctx, events.Event{Type: events.Outbid, AuctionID: "a1", BidderID: "alice"})

	if typ, ok := readType(t, alice); !ok || typ != events.BidAccepted {
		t.Errorf("alice: expected bid_accepted, got %q", typ)
	}
	if typ, ok := readType(t, alice); !ok || typ != events.Outbid {
		t.Errorf("alice: expected outbid, got %q", typ)
	}
	if typ, ok := readType(t, bob); !ok || typ != events.BidAccepted {
		t.Errorf("bob: expected bid_accepted, got %q", typ)
	}
	if typ, ok := readType(t, bob); ok {
		t.Errorf("bob should not receive alice's outbid, got %q", typ)
	}
	if typ, ok := readType(t, other); ok {
		t.Errorf("other auction should receive nothing, got %q", typ)
	}
}

func TestWSHub_RequiresAuctionID(t *testing.T) {
	hub := events.NewWSHub()
	w := httptest.NewRecorder()
	hub.HandleWS(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != 400 {
		t.Errorf("expected 400 without auction_id, got %d", w.Code)
	}
}

func httpHandler(hub *events.WSHub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	return mux
}

func TestWSHub_StoppedHubRefusesClients(t *testing.T) {
	hub := events.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "auction_id=a1")
	waitClients(t, hub, 1)

	cancel()
	<-stopped

	// The hub closes connected clients on the way out.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}

	handled := make(chan int, 1)
	go func() {
		w := httptest.NewRecorder()
		hub.HandleWS(w, httptest.NewRequest("GET", "/ws?auction_id=a1", nil))
		handled <- w.Code
	}()
	select {
	case code := <-handled:
		if code != http.StatusServiceUnavailable {
			t.Errorf("expected 503 after stop, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked after the hub stopped")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected no clients, have %d", hub.ClientCount())
	}
}
