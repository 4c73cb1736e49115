package documents

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orderVersionsNewestFirst = "created_at_ms DESC, number DESC"

// CreateVersion appends a snapshot for the document and evicts the oldest
// versions beyond the cap in the same transaction.
func (s *Service) CreateVersion(ctx context.Context, documentID string, content json.RawMessage, userID string) (Version, error) {
	if s.db == nil {
		return Version{}, newServiceError(opCreateVersion, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return Version{}, s.fail(opCreateVersion, reasonInvalidInput, err)
	}
	savedBy, err := normalizeIdentifier("user id", userID)
	if err != nil {
		return Version{}, s.fail(opCreateVersion, reasonInvalidInput, err)
	}
	contentJSON, err := normalizeContent(content)
	if err != nil {
		return Version{}, s.fail(opCreateVersion, reasonInvalidInput, err)
	}

	var version Version
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadDocument(tx, id, true); err != nil {
			return err
		}
		created, err := s.createVersionTx(tx, id, contentJSON, savedBy, s.nowMillis())
		if err != nil {
			return err
		}
		version = created
		return nil
	})
	if txErr != nil {
		return Version{}, s.fail(opCreateVersion, reasonWriteFailed, txErr, zap.String(fieldDocumentID, id))
	}
	return version, nil
}

// ListVersions returns the retained history, newest first.
func (s *Service) ListVersions(ctx context.Context, documentID, userID string) ([]Version, error) {
	if s.db == nil {
		return nil, newServiceError(opListVersions, reasonMissingDatabase, errMissingDatabase)
	}
	document, err := s.HasAccess(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	var versions []Version
	if err := s.db.WithContext(ctx).
		Where(queryDocumentID, document.DocumentID).
		Order(orderVersionsNewestFirst).
		Limit(s.maxVersions).
		Find(&versions).Error; err != nil {
		return nil, s.fail(opListVersions, reasonQueryFailed, err, zap.String(fieldDocumentID, document.DocumentID))
	}
	return versions, nil
}

// RestoreVersion copies a retained snapshot back into the document and records
// the restore as a new version.
func (s *Service) RestoreVersion(ctx context.Context, documentID, versionID, userID string) (SaveResult, error) {
	if s.db == nil {
		return SaveResult{}, newServiceError(opRestoreVersion, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("document id", documentID)
	if err != nil {
		return SaveResult{}, s.fail(opRestoreVersion, reasonInvalidInput, err)
	}
	vid, err := normalizeIdentifier("version id", versionID)
	if err != nil {
		return SaveResult{}, s.fail(opRestoreVersion, reasonInvalidInput, err)
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
		var source Version
		err = tx.Where("version_id = ? AND document_id = ?", vid, id).Take(&source).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVersionNotFound
		}
		if err != nil {
			return err
		}
		saved, version, err := s.overwriteContentTx(tx, document, source.ContentJSON, userID)
		if err != nil {
			return err
		}
		result = SaveResult{Document: saved, Version: version}
		return nil
	})
	if txErr != nil {
		return SaveResult{}, s.fail(opRestoreVersion, reasonWriteFailed, txErr,
			zap.String(fieldDocumentID, id),
			zap.String("version_id", vid))
	}
	return result, nil
}

func (s *Service) createVersionTx(tx *gorm.DB, documentID, contentJSON, savedBy string, createdAt int64) (Version, error) {
	versionID, err := s.idProvider.NewID()
	if err != nil {
		return Version{}, err
	}
	var latest int64
	if err := tx.Model(&Version{}).
		Where(queryDocumentID, documentID).
		Select("COALESCE(MAX(number), 0)").
		Scan(&latest).Error; err != nil {
		return Version{}, err
	}
	version := Version{
		VersionID:       versionID,
		DocumentID:      documentID,
		Number:          latest + 1,
		ContentJSON:     contentJSON,
		SavedBy:         savedBy,
		CreatedAtMillis: createdAt,
	}
	if err := tx.Create(&version).Error; err != nil {
		return Version{}, err
	}
	if err := s.evictSurplusVersionsTx(tx, documentID); err != nil {
		return Version{}, err
	}
	return version, nil
}

// evictSurplusVersionsTx keeps the newest maxVersions snapshots. At most one
// surplus row exists per insert, so reading the ids is cheap.
func (s *Service) evictSurplusVersionsTx(tx *gorm.DB, documentID string) error {
	var ids []string
	if err := tx.Model(&Version{}).
		Where(queryDocumentID, documentID).
		Order(orderVersionsNewestFirst).
		Pluck("version_id", &ids).Error; err != nil {
		return err
	}
	if len(ids) <= s.maxVersions {
		return nil
	}
	stale := ids[s.maxVersions:]
	return tx.Where("version_id IN ?", stale).Delete(&Version{}).Error
}
