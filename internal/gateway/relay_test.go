package gateway

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func newMiniredisRelay(t *testing.T, server *miniredis.Miniredis) *RedisRelay {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRelayWithClient(client, nil)
}

func TestRedisRelayDeliversAcrossInstances(t *testing.T) {
	server := miniredis.RunT(t)
	store := openTestDocuments(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstMetrics := newTestGateway(t, store, newMiniredisRelay(t, server), "instance-a")
	second, secondMetrics := newTestGateway(t, store, newMiniredisRelay(t, server), "instance-b")
	if err := first.StartRelay(ctx); err != nil {
		t.Fatalf("first relay failed: %v", err)
	}
	if err := second.StartRelay(ctx); err != nil {
		t.Fatalf("second relay failed: %v", err)
	}

	doc, err := store.Create(ctx, "alice", "Distributed")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.AddCollaborator(ctx, doc.DocumentID, "alice", "bob"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}

	alice := newRecordingConnection("conn-alice")
	bob := newRecordingConnection("conn-bob")
	aliceSession := first.Attach(alice, identityAlice)
	bobSession := second.Attach(bob, identityBob)
	aliceSession.Handle(ctx, mustFrame(t, EventJoinDocument, doc.DocumentID))
	bobSession.Handle(ctx, mustFrame(t, EventJoinDocument, doc.DocumentID))
	alice.reset()
	bob.reset()

	aliceSession.Handle(ctx, mustFrame(t, EventSendChanges, changesPayload{DocID: doc.DocumentID, Delta: json.RawMessage(`{"ops":[]}`)}))

	waitFor(t, func() bool {
		return len(bob.eventsNamed(t, EventReceiveChanges)) == 1
	})
	var changes receiveChangesData
	decodeData(t, bob.eventsNamed(t, EventReceiveChanges)[0], &changes)
	if changes.UserID != "alice" {
		t.Fatalf("unexpected relayed change %#v", changes)
	}

	waitFor(t, func() bool {
		return testutil.ToFloat64(firstMetrics.RelayMessages.WithLabelValues("out")) == 1 &&
			testutil.ToFloat64(secondMetrics.RelayMessages.WithLabelValues("in")) == 1
	})
	if len(alice.eventsNamed(t, EventReceiveChanges)) != 0 {
		t.Fatalf("origin instance must ignore its own relayed frames")
	}
	if got := testutil.ToFloat64(firstMetrics.RelayMessages.WithLabelValues("in")); got != 0 {
		t.Fatalf("origin instance consumed its own frame %v times", got)
	}
}

func TestRedisRelayKeepsRostersLocal(t *testing.T) {
	server := miniredis.RunT(t)
	relay := newMiniredisRelay(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := relay.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	store := openTestDocuments(t)
	gateway, _ := newTestGateway(t, store, relay, "instance-a")
	doc, err := store.Create(ctx, "alice", "Local")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	alice := newRecordingConnection("conn-alice")
	aliceSession := gateway.Attach(alice, identityAlice)
	aliceSession.Handle(ctx, mustFrame(t, EventJoinDocument, doc.DocumentID))
	aliceSession.Handle(ctx, mustFrame(t, EventSendMessage, messagePayload{DocID: doc.DocumentID, Content: "hello"}))

	message := <-messages
	var envelope Envelope
	if err := json.Unmarshal(message.Frame, &envelope); err != nil {
		t.Fatalf("failed to decode relayed frame: %v", err)
	}
	if envelope.Event != EventNewMessage {
		t.Fatalf("expected the chat message to be the first relayed frame, got %s", envelope.Event)
	}
	if message.Origin != "instance-a" || message.DocumentID != doc.DocumentID {
		t.Fatalf("unexpected relay metadata %#v", message)
	}
}

func TestNewRedisRelayRejectsBadURL(t *testing.T) {
	if _, err := NewRedisRelay("not a url", nil); err == nil {
		t.Fatalf("expected url parse error")
	}
	server := miniredis.RunT(t)
	relay, err := NewRedisRelay("redis://"+server.Addr(), nil)
	if err != nil {
		t.Fatalf("expected relay to connect: %v", err)
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
