// Package gateway is the realtime entry point: it authenticates connections,
// routes document-scoped events between room members, and triggers persistence.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/session"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Connection is the transport side of an attached client. Send must not
// block; it reports false when the frame was dropped.
type Connection interface {
	ID() string
	Send(frame []byte) bool
}

type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Identity, error)
}

// DocumentStore is the slice of the document service the gateway consumes.
type DocumentStore interface {
	HasAccess(ctx context.Context, documentID, userID string) (documents.Document, error)
	Save(ctx context.Context, documentID, userID string, content json.RawMessage) (documents.SaveResult, error)
	AppendMessage(ctx context.Context, documentID, senderID, senderName, content string) (documents.Message, error)
}

type Config struct {
	Validator  TokenValidator
	Identities IdentityResolver
	Documents  DocumentStore
	Registry   *session.Registry
	Relay      Relay
	Metrics    *Metrics
	Logger     *zap.Logger
	InstanceID string
	EventRate  float64
	EventBurst int
}

// Gateway owns room membership and broadcast for one process.
type Gateway struct {
	validator  TokenValidator
	identities IdentityResolver
	documents  DocumentStore
	registry   *session.Registry
	relay      Relay
	metrics    *Metrics
	logger     *zap.Logger
	instanceID string
	eventRate  rate.Limit
	eventBurst int

	mu       sync.RWMutex
	sessions map[string]*Session

	// membershipMu orders membership changes with the rosters they produce.
	membershipMu sync.Mutex
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}

	registry := cfg.Registry
	if registry == nil {
		registry = session.NewRegistry()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	eventRate := rate.Inf
	if cfg.EventRate > 0 {
		eventRate = rate.Limit(cfg.EventRate)
	}
	eventBurst := cfg.EventBurst
	if eventBurst <= 0 {
		eventBurst = 1
	}

	return &Gateway{
		validator:  cfg.Validator,
		identities: cfg.Identities,
		documents:  cfg.Documents,
		registry:   registry,
		relay:      cfg.Relay,
		metrics:    metrics,
		logger:     logger,
		instanceID: instanceID,
		eventRate:  eventRate,
		eventBurst: eventBurst,
		sessions:   make(map[string]*Session),
	}, nil
}

// Authenticate resolves a bearer credential to a known identity. Every
// failure wraps ErrAuthentication.
func (g *Gateway) Authenticate(ctx context.Context, token string) (users.Identity, error) {
	claims, err := g.validator.ValidateToken(token)
	if err != nil {
		return users.Identity{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	identity, err := g.identities.Resolve(ctx, claims)
	if err != nil {
		return users.Identity{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return identity, nil
}

// Attach registers an authenticated connection. The identity is fixed for the
// lifetime of the returned session.
func (g *Gateway) Attach(conn Connection, identity users.Identity) *Session {
	s := &Session{
		gateway:  g,
		conn:     conn,
		identity: identity,
		limiter:  rate.NewLimiter(g.eventRate, g.eventBurst),
		logger: g.logger.With(
			zap.String("connection_id", conn.ID()),
			zap.String("user_id", identity.UserID),
		),
	}
	g.mu.Lock()
	g.sessions[conn.ID()] = s
	g.mu.Unlock()
	g.metrics.Connections.Inc()
	s.logger.Debug("realtime connection attached")
	return s
}

// Registry exposes the membership view, mainly for diagnostics.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// NotifyRestored pushes a restored snapshot to everyone in the document room.
func (g *Gateway) NotifyRestored(ctx context.Context, result documents.SaveResult, identity users.Identity) {
	g.broadcast(ctx, result.Document.DocumentID, EventDocumentRestored, documentRestoredData{
		DocID:     result.Document.DocumentID,
		Content:   result.Document.Content(),
		VersionID: result.Version.VersionID,
		UserID:    identity.UserID,
		UserName:  identity.Name(),
		SavedAt:   result.Document.UpdatedAtMillis,
	}, "", true)
}

// StartRelay subscribes to the cross-instance relay and delivers foreign
// frames to local members until ctx ends. It is a no-op without a relay.
func (g *Gateway) StartRelay(ctx context.Context) error {
	if g.relay == nil {
		return nil
	}
	messages, err := g.relay.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for message := range messages {
			if message.Origin == g.instanceID {
				continue
			}
			g.metrics.RelayMessages.WithLabelValues("in").Inc()
			g.deliverLocal(message.DocumentID, message.Frame, "")
		}
	}()
	return nil
}

func (g *Gateway) detach(connectionID string) {
	g.mu.Lock()
	delete(g.sessions, connectionID)
	g.mu.Unlock()
	g.metrics.Connections.Dec()
}

func (g *Gateway) lookup(connectionID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[connectionID]
	return s, ok
}

// broadcast encodes the event once and enqueues it for every local member of
// the room except excludeConnectionID. Relayed events also go to other instances.
func (g *Gateway) broadcast(ctx context.Context, documentID, event string, data interface{}, excludeConnectionID string, relayed bool) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		g.logger.Error("failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return
	}
	g.deliverLocal(documentID, frame, excludeConnectionID)
	if !relayed || g.relay == nil {
		return
	}
	message := RelayMessage{Origin: g.instanceID, DocumentID: documentID, Frame: frame}
	if err := g.relay.Publish(context.WithoutCancel(ctx), message); err != nil {
		g.logger.Warn("relay publish failed", zap.String("document_id", documentID), zap.String("event", event), zap.Error(err))
		return
	}
	g.metrics.RelayMessages.WithLabelValues("out").Inc()
}

func (g *Gateway) deliverLocal(documentID string, frame []byte, excludeConnectionID string) {
	for _, member := range g.registry.ListMembers(documentID) {
		if member.ConnectionID == excludeConnectionID {
			continue
		}
		recipient, ok := g.lookup(member.ConnectionID)
		if !ok {
			continue
		}
		recipient.deliver(frame)
	}
}

// changeMembership applies change and publishes the resulting roster under
// membershipMu, so every member's last users-update reflects the latest
// membership. change reports the affected document and whether it changed.
func (g *Gateway) changeMembership(change func() (string, bool)) {
	g.membershipMu.Lock()
	defer g.membershipMu.Unlock()
	documentID, changed := change()
	if !changed {
		return
	}
	g.publishRoster(documentID)
}

// publishRoster sends the recomputed roster to the room, skipping empty rooms.
// Callers hold membershipMu.
func (g *Gateway) publishRoster(documentID string) {
	roster := g.registry.Roster(documentID)
	g.updateRoomGauge()
	if roster.TotalConnections == 0 {
		return
	}
	frame, err := EncodeEvent(EventUsersUpdate, roster)
	if err != nil {
		g.logger.Error("failed to encode roster", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	g.deliverLocal(documentID, frame, "")
}

func (g *Gateway) updateRoomGauge() {
	rooms, _ := g.registry.Stats()
	g.metrics.Rooms.Set(float64(rooms))
}
