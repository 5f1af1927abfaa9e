package events

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
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }
func (f failing) Close() error                         { return f.err }

func TestNew_EncodesPayload(t *testing.T) {
	at := time.Date(2026, 1, 1, 8, 0, 0, 0, time.FixedZone("x", 3600))
	e, err := New(TypeDeposit, "alice", at, map[string]string{"amount": "100"})
	if err != nil {
		t.Fatal(err)
	}
	if e.At.Location() != time.UTC {
		t.Error("event time must be UTC")
	}
	if string(e.Payload) != `{"amount":"100"}` {
		t.Errorf("unexpected payload %s", e.Payload)
	}
}

func TestMulti_DeliversToAllAndAggregatesErrors(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	rec := &Recorder{}
	m := Multi{failing{errA}, rec, failing{errB}}

	err := m.Publish(context.Background(), Event{Type: TypeTrade})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors, got %v", err)
	}
	if len(rec.Events) != 1 {
		t.Error("a failing publisher must not stop delivery to the rest")
	}
	if err := (Multi{rec, Nop{}}).Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestWSHub_StreamsEvents(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent, _ := New(TypeSnapshot, "WETH/USDC", time.Now(), map[string]int{"series": 2})
	if err := hub.Publish(context.Background(), sent); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeSnapshot || got.Key != "WETH/USDC" {
		t.Errorf("unexpected event %+v", got)
	}

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
}
