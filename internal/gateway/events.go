package gateway

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Client to server events.
const (
	EventJoinDocument  = "join-document"
	EventLeaveDocument = "leave-document"
	EventSendChanges   = "send-changes"
	EventSaveDocument  = "save-document"
	EventCursorUpdate  = "cursor-update"
	EventTextSelection = "text-selection"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventSendMessage   = "send-message"
)

// Server to client events.
const (
	EventUsersUpdate      = "users-update"
	EventReceiveChanges   = "receive-changes"
	EventSaveSuccess      = "save-success"
	EventSaveError        = "save-error"
	EventCursorChange     = "cursor-change"
	EventSelectionChange  = "selection-change"
	EventUserTyping       = "user-typing"
	EventUserStopTyping   = "user-stop-typing"
	EventNewMessage       = "new-message"
	EventDocumentRestored = "document-restored"
	EventError            = "error"
)

const (
	saveSuccessMessage = "Document saved successfully"
	saveErrorMessage   = "Error saving document"
)

// Envelope is the frame shape in both directions: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type documentRef struct {
	DocID string `json:"docId" validate:"required,max=190"`
}

type changesPayload struct {
	DocID string          `json:"docId" validate:"required,max=190"`
	Delta json.RawMessage `json:"delta" validate:"present"`
}

type savePayload struct {
	DocID   string          `json:"docId" validate:"required,max=190"`
	Content json.RawMessage `json:"content" validate:"present"`
}

type cursorPayload struct {
	DocID    string          `json:"docId" validate:"required,max=190"`
	Position json.RawMessage `json:"position" validate:"present"`
}

type selectionPayload struct {
	DocID     string          `json:"docId" validate:"required,max=190"`
	Selection json.RawMessage `json:"selection" validate:"present"`
}

type messagePayload struct {
	DocID   string `json:"docId" validate:"required,max=190"`
	Content string `json:"content" validate:"required"`
}

type receiveChangesData struct {
	Delta    json.RawMessage `json:"delta"`
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
}

type saveSuccessData struct {
	SavedAt   int64  `json:"savedAt"`
	VersionID string `json:"versionId"`
	Message   string `json:"message"`
}

type saveErrorData struct {
	Message string `json:"message"`
}

type cursorChangeData struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
	Position json.RawMessage `json:"position"`
}

type selectionChangeData struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Selection json.RawMessage `json:"selection"`
}

type typingData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type newMessageData struct {
	ID         string `json:"id"`
	DocID      string `json:"docId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}

type documentRestoredData struct {
	DocID     string          `json:"docId"`
	Content   json.RawMessage `json:"content"`
	VersionID string          `json:"versionId"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	SavedAt   int64           `json:"savedAt"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	payloadValidator     *validator.Validate
	payloadValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	payloadValidatorOnce.Do(func() {
		payloadValidator = validator.New(validator.WithRequiredStructEnabled())
		_ = payloadValidator.RegisterValidation("present", validatePresent)
	})
	return payloadValidator
}

// validatePresent rejects raw JSON fields that are missing or null.
func validatePresent(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	envelope.Event = strings.TrimSpace(envelope.Event)
	if envelope.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	return envelope, nil
}

func decodePayload(data json.RawMessage, target interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := getValidator().Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// decodeDocumentRef accepts either a bare document id string or {"docId": "..."}.
func decodeDocumentRef(data json.RawMessage) (documentRef, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var docID string
		if err := json.Unmarshal(trimmed, &docID); err != nil {
			return documentRef{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		ref := documentRef{DocID: strings.TrimSpace(docID)}
		if err := getValidator().Struct(&ref); err != nil {
			return documentRef{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return ref, nil
	}
	var ref documentRef
	if err := decodePayload(data, &ref); err != nil {
		return documentRef{}, err
	}
	ref.DocID = strings.TrimSpace(ref.DocID)
	return ref, nil
}

func decodeMessage(data json.RawMessage) (messagePayload, error) {
	var payload messagePayload
	if err := decodePayload(data, &payload); err != nil {
		return messagePayload{}, err
	}
	payload.Content = strings.TrimSpace(payload.Content)
	if payload.Content == "" || len(payload.Content) > documents.MaxMessageLength {
		return messagePayload{}, fmt.Errorf("%w: message must be 1-%d bytes", ErrInvalidEvent, documents.MaxMessageLength)
	}
	return payload, nil
}

// EncodeEvent renders an outbound frame.
func EncodeEvent(event string, data interface{}) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: data})
}
