package documents

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// DefaultTitle is assigned when a document is created without a title.
	DefaultTitle = "Untitled Document"
	// DefaultContentJSON is the empty rich-text tree a new document starts with.
	DefaultContentJSON = `{"type":"doc","content":[{"type":"paragraph","content":[]}]}`
	// DefaultMaxVersions caps the retained history per document.
	DefaultMaxVersions = 50
	// DefaultMessageHistoryLimit bounds chat history listings.
	DefaultMessageHistoryLimit = 100
	// MaxMessageLength bounds a single chat message in bytes.
	MaxMessageLength = 4000

	maxIdentifierLength = 190
	maxTitleLength      = 300
)

// MessageKind distinguishes user chat from server generated notices.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
)

// Document is the persisted state of a collaborative document. ContentJSON is
// opaque to this package beyond being valid JSON.
type Document struct {
	DocumentID      string   `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID         string   `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	Title           string   `gorm:"column:title;size:300;not null"`
	ContentJSON     string   `gorm:"column:content_json;type:text;not null"`
	IsPublic        bool     `gorm:"column:is_public;not null;default:false"`
	CreatedAtMillis int64    `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64    `gorm:"column:updated_at_ms;not null;index:idx_documents_updated"`
	Collaborators   []string `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// HasAccess reports whether the user may read and edit the document.
func (d Document) HasAccess(userID string) bool {
	if userID == "" {
		return false
	}
	if d.IsOwner(userID) || d.IsPublic {
		return true
	}
	for _, collaborator := range d.Collaborators {
		if collaborator == userID {
			return true
		}
	}
	return false
}

// IsOwner reports whether the user owns the document.
func (d Document) IsOwner(userID string) bool {
	return userID != "" && d.OwnerID == userID
}

// Content returns the document body as raw JSON.
func (d Document) Content() json.RawMessage {
	return json.RawMessage(d.ContentJSON)
}

// Collaborator links a user to a document they do not own. The composite
// primary key keeps the relation a set.
type Collaborator struct {
	DocumentID    string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID        string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_collaborators_user"`
	AddedAtMillis int64  `gorm:"column:added_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "document_collaborators"
}

// Version is an immutable snapshot of document content.
type Version struct {
	VersionID       string `gorm:"column:version_id;primaryKey;size:190;not null"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index:idx_versions_document_created,priority:1"`
	Number          int64  `gorm:"column:number;not null"`
	ContentJSON     string `gorm:"column:content_json;type:text;not null"`
	SavedBy         string `gorm:"column:saved_by;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_versions_document_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "document_versions"
}

// Content returns the snapshot body as raw JSON.
func (v Version) Content() json.RawMessage {
	return json.RawMessage(v.ContentJSON)
}

// Message is an append-only chat record attached to a document.
type Message struct {
	MessageID       string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	DocumentID      string      `gorm:"column:document_id;size:190;not null;index:idx_messages_document_created,priority:1"`
	SenderID        string      `gorm:"column:sender_id;size:190;not null"`
	SenderName      string      `gorm:"column:sender_name;size:320;not null;default:''"`
	Content         string      `gorm:"column:content;type:text;not null"`
	Kind            MessageKind `gorm:"column:kind;size:16;not null;default:'text'"`
	CreatedAtMillis int64       `gorm:"column:created_at_ms;not null;index:idx_messages_document_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "document_messages"
}

// Models lists every table owned by this package, for migrations.
func Models() []interface{} {
	return []interface{}{&Document{}, &Collaborator{}, &Version{}, &Message{}}
}

// MetadataUpdate carries optional document attribute changes.
type MetadataUpdate struct {
	Title    *string
	IsPublic *bool
}

// SaveResult reports the persisted document and the version created with it.
type SaveResult struct {
	Document Document
	Version  Version
}

func normalizeIdentifier(kind, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidInput, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, kind, maxIdentifierLength)
	}
	return trimmed, nil
}

func normalizeTitle(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultTitle, nil
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: title exceeds %d characters", ErrInvalidInput, maxTitleLength)
	}
	return trimmed, nil
}

func normalizeContent(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if !json.Valid(content) {
		return "", fmt.Errorf("%w: content is not valid json", ErrInvalidInput)
	}
	return string(content), nil
}

func normalizeMessage(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if len(trimmed) > MaxMessageLength {
		return "", fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidInput, MaxMessageLength)
	}
	return trimmed, nil
}
