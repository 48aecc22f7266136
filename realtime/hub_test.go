package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"rewardledger/core"
)

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)

	ev := core.NewRewardClaimed("bob", 100, 100, time.Now())
	h.Broadcast(context.Background(), ev)

	received := <-ch
	if received.UserID != "bob" || received.Type != core.EventRewardClaimed {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
}

func TestHubSubscribeUserFilters(t *testing.T) {
	h := NewHub()
	_, ch := h.SubscribeUser("alice", 4)

	h.Broadcast(context.Background(), core.NewRewardClaimed("bob", 100, 100, time.Now()))
	h.Broadcast(context.Background(), core.NewDiamondsSpent("alice", core.TxMatchRequest, 10, 90, time.Now()))

	received := <-ch
	if received.UserID != "alice" || received.Type != core.EventDiamondsSpent {
		t.Fatalf("unexpected event: %+v", received)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe(1)
	h.Broadcast(context.Background(), core.NewRewardClaimed("a", 100, 100, time.Now()))
	h.Broadcast(context.Background(), core.NewRewardClaimed("b", 100, 100, time.Now()))
	if len(ch) != 1 {
		t.Fatalf("expected buffer of 1, got %d", len(ch))
	}
}

func TestMarshalJSON(t *testing.T) {
	ev := core.NewDiamondsSpent("alice", core.TxMatchRequest, 10, 90, time.Now())
	b := MarshalJSON(ev)
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Delta != -10 || out.TxType != core.TxMatchRequest {
		t.Fatalf("unexpected event: %+v", out)
	}
}
