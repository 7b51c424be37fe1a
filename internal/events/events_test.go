package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBusHandlersAndTypedSubscription(t *testing.T) {
	bus := New()

	var all []string
	cancelAll := bus.Subscribe(func(evt Event) { all = append(all, evt.Topic()) })

	var resolved []CommandResolved
	cancelTyped := On(bus, func(evt CommandResolved) { resolved = append(resolved, evt) })

	bus.Publish(ResourceChanged{Op: OpPut, Module: "locations"})
	bus.Publish(CommandResolved{CorrelationID: "c1", Result: "ACCEPTED"})

	if len(all) != 2 || all[0] != "resource.locations.put" || all[1] != "command.resolved" {
		t.Fatalf("unexpected topics: %v", all)
	}
	if len(resolved) != 1 || resolved[0].CorrelationID != "c1" {
		t.Fatalf("typed handler got %v", resolved)
	}

	cancelAll()
	cancelTyped()
	cancelTyped()
	bus.Publish(CommandResolved{CorrelationID: "c2"})
	if len(all) != 2 || len(resolved) != 1 {
		t.Fatal("cancelled handlers still invoked")
	}
}

func TestBusHandlerMaySubscribe(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	bus.Subscribe(func(Event) {
		cancel := bus.Subscribe(func(Event) {})
		cancel()
		close(done)
	})
	bus.Publish(PartnerChanged{Change: "registered"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler deadlocked")
	}
}

func TestStreamClosesOnContextEnd(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Stream(ctx, 4)

	bus.Publish(PartnerChanged{PartnerID: "p1", Change: "status"})
	select {
	case evt := <-ch:
		if evt.(PartnerChanged).PartnerID != "p1" {
			t.Fatalf("unexpected event %v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on stream")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed")
		}
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(PartnerChanged{})
	bus.Subscribe(func(Event) {})()
	if _, ok := <-bus.Stream(context.Background(), 1); ok {
		t.Fatal("nil bus stream should be closed")
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	err      error
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, data)
	return r.err
}

func TestNATSBridgeForwardsEvents(t *testing.T) {
	pub := &recordingPublisher{}
	bridge := NewNATSBridge(pub, "")
	bus := New()
	detach := bridge.Attach(bus)
	defer detach()

	bus.Publish(ResourceChanged{Op: OpDelete, Module: "tariffs", CountryCode: "NL", PartyID: "ABC", Path: "T1"})

	if len(pub.subjects) != 1 || pub.subjects[0] != "ocpi.resource.tariffs.delete" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
	var body struct {
		Topic string          `json:"topic"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(pub.bodies[0], &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	var evt ResourceChanged
	if err := json.Unmarshal(body.Event, &evt); err != nil {
		t.Fatalf("invalid event: %v", err)
	}
	if body.Topic != "resource.tariffs.delete" || evt.Path != "T1" || evt.CountryCode != "NL" {
		t.Fatalf("unexpected body %s", pub.bodies[0])
	}
}

func TestNATSBridgeSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	bus := New()
	NewNATSBridge(pub, "hub.").Attach(bus)

	bus.Publish(CommandResolved{CorrelationID: "c"})
	if len(pub.subjects) != 1 || pub.subjects[0] != "hub.command.resolved" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
}
