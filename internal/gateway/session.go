package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/session"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session is one authenticated connection. Handle must be called from a
// single goroutine so events are processed in arrival order.
type Session struct {
	gateway   *Gateway
	conn      Connection
	identity  users.Identity
	limiter   *rate.Limiter
	logger    *zap.Logger
	closeOnce sync.Once
}

// Identity returns the identity fixed at authentication time.
func (s *Session) Identity() users.Identity {
	return s.identity
}

// CurrentDocument returns the room the connection is attached to.
func (s *Session) CurrentDocument() (string, bool) {
	return s.gateway.registry.CurrentDocument(s.conn.ID())
}

// Handle processes one inbound frame. Failures are reported to this
// connection only; panics are recovered so the connection survives.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	event := "unknown"
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("realtime event handler panicked",
				zap.String("event", event),
				zap.Any("panic", recovered),
				zap.Stack("stack"))
			s.gateway.metrics.Events.WithLabelValues(eventLabel(event), outcomeFailed).Inc()
			s.sendError(ErrInternal)
		}
	}()

	if err := s.limiter.Wait(ctx); err != nil {
		s.gateway.metrics.Events.WithLabelValues(eventLabel(event), outcomeRejected).Inc()
		s.sendError(fmt.Errorf("%w: %v", ErrRateLimited, err))
		return
	}

	envelope, err := decodeEnvelope(raw)
	if err != nil {
		s.gateway.metrics.Events.WithLabelValues(eventLabel(event), outcomeRejected).Inc()
		s.sendError(err)
		return
	}
	event = envelope.Event

	outcome := outcomeOK
	if err := s.dispatch(ctx, envelope); err != nil {
		switch {
		case errors.Is(err, errSilentDrop):
			outcome = outcomeDropped
		case isClientError(err):
			outcome = outcomeRejected
			s.logger.Debug("realtime event rejected", zap.String("event", event), zap.Error(err))
			s.sendError(err)
		default:
			outcome = outcomeFailed
			s.logger.Error("realtime event failed", zap.String("event", event), zap.Error(err))
			s.sendError(err)
		}
	}
	s.gateway.metrics.Events.WithLabelValues(eventLabel(event), outcome).Inc()
}

// Close performs the implicit leave for the current document. It is safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.gateway.changeMembership(func() (string, bool) {
			return s.gateway.registry.Detach(s.conn.ID())
		})
		s.gateway.detach(s.conn.ID())
		s.logger.Debug("realtime connection detached")
	})
}

var errSilentDrop = errors.New("gateway: event dropped")

func (s *Session) dispatch(ctx context.Context, envelope Envelope) error {
	switch envelope.Event {
	case EventJoinDocument:
		ref, err := decodeDocumentRef(envelope.Data)
		if err != nil {
			return err
		}
		return s.join(ctx, ref.DocID)
	case EventLeaveDocument:
		ref, err := decodeDocumentRef(envelope.Data)
		if err != nil {
			return err
		}
		s.leave(ref.DocID)
		return nil
	case EventSendChanges:
		var payload changesPayload
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return err
		}
		return s.relayChanges(ctx, payload)
	case EventSaveDocument:
		var payload savePayload
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return err
		}
		return s.save(ctx, payload)
	case EventCursorUpdate:
		var payload cursorPayload
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return err
		}
		return s.presence(ctx, payload.DocID, EventCursorChange, cursorChangeData{
			UserID:   s.identity.UserID,
			UserName: s.identity.Name(),
			Position: payload.Position,
		})
	case EventTextSelection:
		var payload selectionPayload
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return err
		}
		return s.presence(ctx, payload.DocID, EventSelectionChange, selectionChangeData{
			UserID:    s.identity.UserID,
			UserName:  s.identity.Name(),
			Selection: payload.Selection,
		})
	case EventTyping, EventStopTyping:
		ref, err := decodeDocumentRef(envelope.Data)
		if err != nil {
			return err
		}
		outbound := EventUserTyping
		if envelope.Event == EventStopTyping {
			outbound = EventUserStopTyping
		}
		return s.presence(ctx, ref.DocID, outbound, typingData{UserID: s.identity.UserID, UserName: s.identity.Name()})
	case EventSendMessage:
		payload, err := decodeMessage(envelope.Data)
		if err != nil {
			return err
		}
		return s.chat(ctx, payload)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, envelope.Event)
	}
}

// join checks access against the store, leaves any other room, and records the membership.
func (s *Session) join(ctx context.Context, documentID string) error {
	document, err := s.gateway.documents.HasAccess(ctx, documentID, s.identity.UserID)
	if err != nil {
		return classifyStoreError(err)
	}
	if current, attached := s.CurrentDocument(); attached && current != document.DocumentID {
		s.leave(current)
	}
	member := session.Member{
		ConnectionID: s.conn.ID(),
		UserID:       s.identity.UserID,
		DisplayName:  s.identity.Name(),
	}
	var addErr error
	s.gateway.changeMembership(func() (string, bool) {
		if _, err := s.gateway.registry.AddMembership(document.DocumentID, member); err != nil {
			addErr = err
			return "", false
		}
		return document.DocumentID, true
	})
	if addErr != nil {
		return fmt.Errorf("%w: %v", ErrInternal, addErr)
	}
	s.logger.Info("joined document", zap.String("document_id", document.DocumentID))
	return nil
}

func (s *Session) leave(documentID string) {
	removed := false
	s.gateway.changeMembership(func() (string, bool) {
		removed = s.gateway.registry.RemoveMembership(documentID, s.conn.ID())
		return documentID, removed
	})
	if removed {
		s.logger.Info("left document", zap.String("document_id", documentID))
	}
}

func (s *Session) requireRoom(documentID string) error {
	current, attached := s.CurrentDocument()
	if !attached || current != documentID {
		return ErrRoomMismatch
	}
	return nil
}

func (s *Session) relayChanges(ctx context.Context, payload changesPayload) error {
	if err := s.requireRoom(payload.DocID); err != nil {
		return err
	}
	s.gateway.broadcast(ctx, payload.DocID, EventReceiveChanges, receiveChangesData{
		Delta:    payload.Delta,
		UserID:   s.identity.UserID,
		UserName: s.identity.Name(),
	}, s.conn.ID(), true)
	return nil
}

// presence relays ephemeral signals. Events for another room are dropped silently.
func (s *Session) presence(ctx context.Context, documentID, event string, data interface{}) error {
	if err := s.requireRoom(documentID); err != nil {
		return errSilentDrop
	}
	s.gateway.broadcast(ctx, documentID, event, data, s.conn.ID(), true)
	return nil
}

// save persists content and acknowledges to this connection only. The store
// call is detached from ctx so an accepted save outlives a disconnect.
func (s *Session) save(ctx context.Context, payload savePayload) error {
	if err := s.requireRoom(payload.DocID); err != nil {
		return err
	}
	started := time.Now()
	result, err := s.gateway.documents.Save(context.WithoutCancel(ctx), payload.DocID, s.identity.UserID, payload.Content)
	s.gateway.metrics.SaveDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		classified := classifyStoreError(err)
		if isClientError(classified) {
			return classified
		}
		s.logger.Error("document save failed", zap.String("document_id", payload.DocID), zap.Error(err))
		s.send(EventSaveError, saveErrorData{Message: saveErrorMessage})
		return nil
	}
	s.send(EventSaveSuccess, saveSuccessData{
		SavedAt:   result.Document.UpdatedAtMillis,
		VersionID: result.Version.VersionID,
		Message:   saveSuccessMessage,
	})
	return nil
}

// chat persists the message and broadcasts it to the whole room, sender included.
func (s *Session) chat(ctx context.Context, payload messagePayload) error {
	if err := s.requireRoom(payload.DocID); err != nil {
		return err
	}
	message, err := s.gateway.documents.AppendMessage(ctx, payload.DocID, s.identity.UserID, s.identity.Name(), payload.Content)
	if err != nil {
		return classifyStoreError(err)
	}
	s.gateway.broadcast(ctx, payload.DocID, EventNewMessage, newMessageData{
		ID:         message.MessageID,
		DocID:      message.DocumentID,
		SenderID:   message.SenderID,
		SenderName: message.SenderName,
		Content:    message.Content,
		CreatedAt:  message.CreatedAtMillis,
	}, "", true)
	return nil
}

func (s *Session) send(event string, data interface{}) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		s.logger.Error("failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return
	}
	s.deliver(frame)
}

func (s *Session) sendError(err error) {
	s.send(EventError, errorData{Code: errorCode(err), Message: errorMessage(err)})
}

func (s *Session) deliver(frame []byte) {
	if !s.conn.Send(frame) {
		s.gateway.metrics.DroppedFrames.Inc()
	}
}
