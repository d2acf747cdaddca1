package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"clawgate/internal/protocol"
)

func newFakeClient(connID string, buffer int) *Client {
	return &Client{
		connID: connID,
		params: protocol.ConnectParams{
			Client: protocol.ClientInfo{ID: "cli-" + connID, Mode: protocol.ClientModeCLI},
		},
		role:        protocol.RoleOperator,
		connectedAt: time.Now(),
		send:        make(chan []byte, buffer),
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(discardLogger())
	c := newFakeClient("conn-1", 4)

	r.Add(c)
	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}
	got, ok := r.Get("conn-1")
	if !ok || got.ConnID() != "conn-1" {
		t.Fatalf("get = %+v, %v", got, ok)
	}

	if removed := r.Remove("conn-1"); removed != c {
		t.Error("remove returned wrong client")
	}
	if r.Len() != 0 {
		t.Errorf("len after remove = %d", r.Len())
	}
	// The send channel is closed so the write pump drains and exits.
	if _, open := <-c.send; open {
		t.Error("send channel still open after removal")
	}
	if r.Remove("conn-1") != nil {
		t.Error("double remove returned a client")
	}
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry(discardLogger())
	a := newFakeClient("conn-a", 4)
	b := newFakeClient("conn-b", 4)
	r.Add(a)
	r.Add(b)

	frame := &protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: protocol.EventPresence}
	r.Broadcast(frame)

	for _, c := range []*Client{a, b} {
		select {
		case data := <-c.send:
			var ev protocol.EventFrame
			if err := json.Unmarshal(data, &ev); err != nil || ev.Event != protocol.EventPresence {
				t.Errorf("%s: got %s", c.connID, data)
			}
		default:
			t.Errorf("%s: no frame queued", c.connID)
		}
	}
}

func TestRegistryBroadcastEvictsSlowClient(t *testing.T) {
	r := NewRegistry(discardLogger())
	slow := newFakeClient("conn-slow", 1)
	fast := newFakeClient("conn-fast", 8)
	// Pre-mark the slow client as evicted so Close is a no-op with no socket.
	slow.closeOnce.Do(func() {})
	r.Add(slow)
	r.Add(fast)

	frame := &protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: protocol.EventTick}
	r.Broadcast(frame) // fills the slow client's buffer
	r.Broadcast(frame) // overflows it

	if _, ok := r.Get("conn-slow"); ok {
		t.Error("slow client not evicted")
	}
	if _, ok := r.Get("conn-fast"); !ok {
		t.Error("fast client evicted")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Add(newFakeClient("conn-1", 4))
	r.Add(newFakeClient("conn-2", 4))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %d entries", len(snap))
	}
	for _, e := range snap {
		if e.ConnID == "" || e.ClientID == "" || e.Role != protocol.RoleOperator {
			t.Errorf("entry = %+v", e)
		}
	}
}

func TestClientSendDuringTeardown(t *testing.T) {
	r := NewRegistry(discardLogger())
	c := newFakeClient("conn-1", 1)
	c.closeOnce.Do(func() {}) // no socket behind this client
	r.Add(c)

	// A producer hammering Send while the registry evicts and closes the
	// client must never panic on the closed send channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.Send(map[string]int{"seq": i})
		}
	}()

	frame := &protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: protocol.EventTick}
	for i := 0; i < 100; i++ {
		r.Broadcast(frame)
	}
	r.Remove("conn-1")
	r.CloseAll("shutting down")
	<-done

	if c.Send(map[string]string{"late": "frame"}) {
		t.Error("send succeeded after teardown")
	}
}

func TestClientSendBackpressure(t *testing.T) {
	c := newFakeClient("conn-1", 1)
	if !c.Send(map[string]string{"a": "1"}) {
		t.Fatal("first send refused")
	}
	if c.Send(map[string]string{"a": "2"}) {
		t.Error("send succeeded past a full buffer")
	}
}
