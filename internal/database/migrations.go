package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropOwnerCollaborators = "2026-06-02_drop_owner_collaborators"
	migrationRenumberVersions       = "2026-06-09_renumber_unnumbered_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOwnerCollaborators, apply: dropOwnerCollaborators},
		{name: migrationRenumberVersions, apply: renumberUnnumberedVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOwnerCollaborators removes collaborator rows that name the document owner.
func dropOwnerCollaborators(db *gorm.DB) error {
	owners := db.Model(&documents.Document{}).
		Select("document_id").
		Where("documents.owner_id = document_collaborators.user_id AND documents.document_id = document_collaborators.document_id")
	return db.Where("EXISTS (?)", owners).Delete(&documents.Collaborator{}).Error
}

// renumberUnnumberedVersions repairs version rows stored with number 0, such as
// rows inserted directly into the table, by continuing each document's sequence.
func renumberUnnumberedVersions(db *gorm.DB) error {
	var pending []documents.Version
	if err := db.Where("number = 0").Order("document_id ASC, created_at_ms ASC").Find(&pending).Error; err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		next := make(map[string]int64)
		for _, version := range pending {
			if _, seen := next[version.DocumentID]; !seen {
				var latest int64
				if err := tx.Model(&documents.Version{}).
					Where("document_id = ? AND number > 0", version.DocumentID).
					Select("COALESCE(MAX(number), 0)").
					Scan(&latest).Error; err != nil {
					return err
				}
				next[version.DocumentID] = latest
			}
			next[version.DocumentID]++
			if err := tx.Model(&documents.Version{}).
				Where("version_id = ?", version.VersionID).
				Update("number", next[version.DocumentID]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
