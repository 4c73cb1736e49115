package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

type recordingConnection struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	reject bool
}

func newRecordingConnection(id string) *recordingConnection {
	return &recordingConnection{id: id}
}

func (c *recordingConnection) ID() string {
	return c.id
}

func (c *recordingConnection) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	copied := make([]byte, len(frame))
	copy(copied, frame)
	c.frames = append(c.frames, copied)
	return true
}

func (c *recordingConnection) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("failed to decode frame %s: %v", frame, err)
		}
		result = append(result, envelope)
	}
	return result
}

func (c *recordingConnection) eventsNamed(t *testing.T, event string) []Envelope {
	t.Helper()
	var matched []Envelope
	for _, envelope := range c.envelopes(t) {
		if envelope.Event == event {
			matched = append(matched, envelope)
		}
	}
	return matched
}

func (c *recordingConnection) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type staticValidator struct {
	tokens map[string]auth.SessionClaims
}

func (v staticValidator) ValidateToken(token string) (auth.SessionClaims, error) {
	claims, ok := v.tokens[token]
	if !ok {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return claims, nil
}

type staticIdentities struct {
	identities map[string]users.Identity
}

func (r staticIdentities) Resolve(_ context.Context, claims auth.SessionClaims) (users.Identity, error) {
	identity, ok := r.identities[claims.UserID]
	if !ok {
		return users.Identity{}, users.ErrUnknownIdentity
	}
	return identity, nil
}

var (
	identityAlice = users.Identity{UserID: "alice", DisplayName: "Alice"}
	identityBob   = users.Identity{UserID: "bob", DisplayName: "Bob"}
)

type testHarness struct {
	documents *documents.Service
	gateway   *Gateway
	metrics   *Metrics
}

func openTestDocuments(t *testing.T) *documents.Service {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(documents.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create document service: %v", err)
	}
	return service
}

func newTestGateway(t *testing.T, store DocumentStore, relay Relay, instanceID string) (*Gateway, *Metrics) {
	t.Helper()
	metrics := NewMetrics(nil)
	gateway, err := New(Config{
		Validator: staticValidator{tokens: map[string]auth.SessionClaims{
			"token-alice": {UserID: "alice"},
			"token-bob":   {UserID: "bob"},
			"token-ghost": {UserID: "ghost"},
		}},
		Identities: staticIdentities{identities: map[string]users.Identity{
			"alice": identityAlice,
			"bob":   identityBob,
		}},
		Documents:  store,
		Relay:      relay,
		Metrics:    metrics,
		InstanceID: instanceID,
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	return gateway, metrics
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := openTestDocuments(t)
	gateway, metrics := newTestGateway(t, store, nil, "instance-a")
	return &testHarness{documents: store, gateway: gateway, metrics: metrics}
}

func mustFrame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	frame, err := EncodeEvent(event, data)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	return frame
}

func decodeData(t *testing.T, envelope Envelope, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("failed to decode %s data: %v", envelope.Event, err)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func expectErrorCode(t *testing.T, conn *recordingConnection, code string) {
	t.Helper()
	errorsSeen := conn.eventsNamed(t, EventError)
	if len(errorsSeen) == 0 {
		t.Fatalf("expected error event with code %q, got none", code)
	}
	var payload errorData
	decodeData(t, errorsSeen[len(errorsSeen)-1], &payload)
	if payload.Code != code {
		t.Fatalf("expected error code %q, got %q (%s)", code, payload.Code, payload.Message)
	}
}

var errBoom = errors.New("boom")
