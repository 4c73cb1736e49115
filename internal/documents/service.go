package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	fieldDocumentID   = "document_id"
	queryDocumentID   = fieldDocumentID + " = ?"
	queryDocumentUser = fieldDocumentID + " = ? AND user_id = ?"
)

type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	MaxVersions int
}

// Service is the system of record for documents, their collaborator sets,
// version history, and chat log.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	maxVersions int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	maxVersions := cfg.MaxVersions
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		maxVersions: maxVersions,
	}, nil
}

// Create stores a new document owned by ownerID together with its initial version.
func (s *Service) Create(ctx context.Context, ownerID, title string) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opCreate, reasonMissingDatabase, errMissingDatabase)
	}
	owner, err := normalizeIdentifier("owner id", ownerID)
	if err != nil {
		return Document{}, s.fail(opCreate, reasonInvalidInput, err)
	}
	normalizedTitle, err := normalizeTitle(title)
	if err != nil {
		return Document{}, s.fail(opCreate, reasonInvalidInput, err)
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		return Document{}, s.fail(opCreate, reasonIDFailed, err)
	}

	now := s.nowMillis()
	document := Document{
		DocumentID:      documentID,
		OwnerID:         owner,
		Title:           normalizedTitle,
		ContentJSON:     DefaultContentJSON,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
		Collaborators:   []string{},
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return err
		}
		_, err := s.createVersionTx(tx, documentID, document.ContentJSON, owner, now)
		return err
	})
	if txErr != nil {
		return Document{}, s.fail(opCreate, reasonWriteFailed, txErr, zap.String("owner_id", owner))
	}
	return document, nil
}

// GetByID loads a document and its collaborator set without an access check.
func (s *Service) GetByID(ctx context.Context, documentID string) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return Document{}, s.fail(opGet, reasonInvalidInput, err)
	}
	document, err := loadDocument(s.db.WithContext(ctx), id, false)
	if err != nil {
		return Document{}, s.fail(opGet, reasonQueryFailed, err, zap.String(fieldDocumentID, id))
	}
	return document, nil
}

// HasAccess re-reads the document and checks the access predicate for userID.
// It returns the document so callers do not need a second round trip.
func (s *Service) HasAccess(ctx context.Context, documentID, userID string) (Document, error) {
	document, err := s.GetByID(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if !document.HasAccess(userID) {
		return Document{}, newServiceError(opGet, reasonAccessDenied, ErrAccessDenied)
	}
	return document, nil
}

// ListForUser returns documents owned by or shared with the user, most recently updated first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Document, error) {
	if s.db == nil {
		return nil, newServiceError(opListForUser, reasonMissingDatabase, errMissingDatabase)
	}
	user, err := normalizeIdentifier("user id", userID)
	if err != nil {
		return nil, s.fail(opListForUser, reasonInvalidInput, err)
	}

	db := s.db.WithContext(ctx)
	shared := db.Model(&Collaborator{}).Select(fieldDocumentID).Where("user_id = ?", user)

	var documents []Document
	if err := db.
		Where("owner_id = ? OR document_id IN (?)", user, shared).
		Order("updated_at_ms DESC").
		Find(&documents).Error; err != nil {
		return nil, s.fail(opListForUser, reasonQueryFailed, err, zap.String("user_id", user))
	}
	if err := attachCollaborators(db, documents); err != nil {
		return nil, s.fail(opListForUser, reasonQueryFailed, err, zap.String("user_id", user))
	}
	return documents, nil
}

// UpdateMetadata changes the title and visibility. Visibility is owner-only.
func (s *Service) UpdateMetadata(ctx context.Context, documentID, userID string, update MetadataUpdate) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opUpdateMetadata, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return Document{}, s.fail(opUpdateMetadata, reasonInvalidInput, err)
	}

	var updated Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := loadDocument(tx, id, true)
		if err != nil {
			return err
		}
		if !document.HasAccess(userID) {
			return ErrAccessDenied
		}
		changes := map[string]interface{}{}
		if update.Title != nil {
			title, err := normalizeTitle(*update.Title)
			if err != nil {
				return err
			}
			document.Title = title
			changes["title"] = title
		}
		if update.IsPublic != nil {
			if !document.IsOwner(userID) {
				return ErrAccessDenied
			}
			document.IsPublic = *update.IsPublic
			changes["is_public"] = *update.IsPublic
		}
		if len(changes) == 0 {
			updated = document
			return nil
		}
		document.UpdatedAtMillis = s.nowMillis()
		changes["updated_at_ms"] = document.UpdatedAtMillis
		if err := tx.Model(&Document{}).Where(queryDocumentID, id).Updates(changes).Error; err != nil {
			return err
		}
		updated = document
		return nil
	})
	if txErr != nil {
		return Document{}, s.fail(opUpdateMetadata, reasonWriteFailed, txErr, zap.String(fieldDocumentID, id))
	}
	return updated, nil
}

// Save overwrites the document content, refreshes its timestamp, and appends a
// version in one transaction. Access is re-checked against the stored
// collaborator set, not any cached session state.
func (s *Service) Save(ctx context.Context, documentID, userID string, content json.RawMessage) (SaveResult, error) {
	if s.db == nil {
		return SaveResult{}, newServiceError(opSave, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return SaveResult{}, s.fail(opSave, reasonInvalidInput, err)
	}
	contentJSON, err := normalizeContent(content)
	if err != nil {
		return SaveResult{}, s.fail(opSave, reasonInvalidInput, err)
	}

	var result SaveResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := loadDocument(tx, id, true)
		if err != nil {
			return err
		}
		if !document.HasAccess(userID) {
			return ErrAccessDenied
		}
		saved, version, err := s.overwriteContentTx(tx, document, contentJSON, userID)
		if err != nil {
			return err
		}
		result = SaveResult{Document: saved, Version: version}
		return nil
	})
	if txErr != nil {
		return SaveResult{}, s.fail(opSave, reasonWriteFailed, txErr,
			zap.String(fieldDocumentID, id),
			zap.String("user_id", userID))
	}
	return result, nil
}

// Delete removes the document with its history, collaborators, and chat. Owner only.
func (s *Service) Delete(ctx context.Context, documentID, userID string) error {
	if s.db == nil {
		return newServiceError(opDelete, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return s.fail(opDelete, reasonInvalidInput, err)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := loadDocument(tx, id, true)
		if err != nil {
			return err
		}
		if !document.IsOwner(userID) {
			return ErrAccessDenied
		}
		for _, model := range []interface{}{&Message{}, &Version{}, &Collaborator{}, &Document{}} {
			if err := tx.Where(queryDocumentID, id).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return s.fail(opDelete, reasonWriteFailed, txErr, zap.String(fieldDocumentID, id))
	}
	return nil
}

// AddCollaborator grants collaboratorID access. Only the owner may share, and
// the owner is never listed as a collaborator.
func (s *Service) AddCollaborator(ctx context.Context, documentID, ownerID, collaboratorID string) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opAddCollaborator, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return Document{}, s.fail(opAddCollaborator, reasonInvalidInput, err)
	}
	collaborator, err := normalizeIdentifier("collaborator id", collaboratorID)
	if err != nil {
		return Document{}, s.fail(opAddCollaborator, reasonInvalidInput, err)
	}

	var updated Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := loadDocument(tx, id, true)
		if err != nil {
			return err
		}
		if !document.IsOwner(ownerID) {
			return ErrAccessDenied
		}
		if document.IsOwner(collaborator) {
			return fmt.Errorf("%w: owner cannot be a collaborator", ErrInvalidInput)
		}
		for _, existing := range document.Collaborators {
			if existing == collaborator {
				return ErrAlreadyCollaborator
			}
		}
		record := Collaborator{DocumentID: id, UserID: collaborator, AddedAtMillis: s.nowMillis()}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if err := s.appendSystemMessageTx(tx, id, ownerID, collaborator+" was added as a collaborator"); err != nil {
			return err
		}
		document.Collaborators = append(document.Collaborators, collaborator)
		updated = document
		return nil
	})
	if txErr != nil {
		return Document{}, s.fail(opAddCollaborator, reasonWriteFailed, txErr, zap.String(fieldDocumentID, id))
	}
	return updated, nil
}

// RemoveCollaborator revokes access. The owner may remove anyone; a
// collaborator may remove themselves. Removing a non-member is a no-op.
func (s *Service) RemoveCollaborator(ctx context.Context, documentID, actorID, collaboratorID string) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opRemoveCollaborator, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return Document{}, s.fail(opRemoveCollaborator, reasonInvalidInput, err)
	}
	collaborator, err := normalizeIdentifier("collaborator id", collaboratorID)
	if err != nil {
		return Document{}, s.fail(opRemoveCollaborator, reasonInvalidInput, err)
	}

	var updated Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document, err := loadDocument(tx, id, true)
		if err != nil {
			return err
		}
		if !document.IsOwner(actorID) && actorID != collaborator {
			return ErrAccessDenied
		}
		result := tx.Where(queryDocumentUser, id, collaborator).Delete(&Collaborator{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			if err := s.appendSystemMessageTx(tx, id, actorID, collaborator+" was removed as a collaborator"); err != nil {
				return err
			}
		}
		remaining := make([]string, 0, len(document.Collaborators))
		for _, existing := range document.Collaborators {
			if existing != collaborator {
				remaining = append(remaining, existing)
			}
		}
		document.Collaborators = remaining
		updated = document
		return nil
	})
	if txErr != nil {
		return Document{}, s.fail(opRemoveCollaborator, reasonWriteFailed, txErr, zap.String(fieldDocumentID, id))
	}
	return updated, nil
}

func (s *Service) overwriteContentTx(tx *gorm.DB, document Document, contentJSON, userID string) (Document, Version, error) {
	now := s.nowMillis()
	if err := tx.Model(&Document{}).
		Where(queryDocumentID, document.DocumentID).
		Updates(map[string]interface{}{
			"content_json":  contentJSON,
			"updated_at_ms": now,
		}).Error; err != nil {
		return Document{}, Version{}, err
	}
	version, err := s.createVersionTx(tx, document.DocumentID, contentJSON, userID, now)
	if err != nil {
		return Document{}, Version{}, err
	}
	document.ContentJSON = contentJSON
	document.UpdatedAtMillis = now
	return document, version, nil
}

func loadDocument(db *gorm.DB, documentID string, forUpdate bool) (Document, error) {
	query := db
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var document Document
	err := query.Where(queryDocumentID, documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	var collaborators []string
	if err := db.Model(&Collaborator{}).
		Where(queryDocumentID, documentID).
		Order("added_at_ms ASC").
		Pluck("user_id", &collaborators).Error; err != nil {
		return Document{}, err
	}
	if collaborators == nil {
		collaborators = []string{}
	}
	document.Collaborators = collaborators
	return document, nil
}

func attachCollaborators(db *gorm.DB, documents []Document) error {
	if len(documents) == 0 {
		return nil
	}
	ids := make([]string, 0, len(documents))
	for _, document := range documents {
		ids = append(ids, document.DocumentID)
	}
	var rows []Collaborator
	if err := db.Where("document_id IN ?", ids).Order("added_at_ms ASC").Find(&rows).Error; err != nil {
		return err
	}
	byDocument := make(map[string][]string, len(documents))
	for _, row := range rows {
		byDocument[row.DocumentID] = append(byDocument[row.DocumentID], row.UserID)
	}
	for index := range documents {
		collaborators := byDocument[documents[index].DocumentID]
		if collaborators == nil {
			collaborators = []string{}
		}
		documents[index].Collaborators = collaborators
	}
	return nil
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

// fail converts err into a ServiceError. Domain conditions keep their own
// reason and are not logged; anything else is logged with the given reason.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if IsDomainError(err) {
		return newServiceError(operation, reasonFor(err), err)
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
