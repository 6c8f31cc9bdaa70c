package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/follgate/tollbooth/internal/domain"
)

type fakeSnapshot struct {
	flows    []*domain.Flow
	settings domain.Settings
}

func (f fakeSnapshot) ListFlows() []*domain.Flow                 { return f.flows }
func (f fakeSnapshot) ListConversations() []*domain.Conversation { return nil }
func (f fakeSnapshot) Settings() domain.Settings                 { return f.settings }

type fakePending struct{}

func (fakePending) PendingIntercepts() []*domain.PendingIntercept { return nil }
func (fakePending) PendingRefusals() []*domain.PendingRefusal     { return nil }

func TestHubSendsInitOnRegister(t *testing.T) {
	snap := fakeSnapshot{
		flows:    []*domain.Flow{{FlowID: "f1"}},
		settings: domain.Settings{InterceptMode: domain.ModeInterceptAll, RulesEnabled: true},
	}
	h := NewHub(snap, fakePending{}, nil)
	go h.Run()

	c := &conn{send: make(chan []byte, 8)}
	h.registerCh <- c

	select {
	case msg := <-c.send:
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("unmarshal init envelope: %v", err)
		}
		if env.Event != "init" {
			t.Fatalf("expected event %q, got %q", "init", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for init message")
	}
}

func TestHubBroadcastFansOutToAllClients(t *testing.T) {
	h := NewHub(fakeSnapshot{}, fakePending{}, nil)
	go h.Run()

	c1 := &conn{send: make(chan []byte, 8)}
	c2 := &conn{send: make(chan []byte, 8)}
	h.registerCh <- c1
	h.registerCh <- c2
	<-c1.send // drain init
	<-c2.send

	h.Broadcast("traffic", map[string]string{"flow_id": "f1"})

	for _, c := range []*conn{c1, c2} {
		select {
		case msg := <-c.send:
			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Event != "traffic" {
				t.Fatalf("expected event %q, got %q", "traffic", env.Event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for broadcast")
		}
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	h := NewHub(fakeSnapshot{}, fakePending{}, nil)
	go h.Run()

	c := &conn{send: make(chan []byte, 8)}
	h.registerCh <- c
	<-c.send // drain init

	h.unregisterCh <- c
	time.Sleep(50 * time.Millisecond)

	h.Broadcast("traffic_cleared", nil)
	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatalf("expected no further delivery after unregister")
		}
	case <-time.After(100 * time.Millisecond):
		// no message delivered, as expected
	}
}
