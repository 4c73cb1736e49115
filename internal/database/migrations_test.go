package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsDropsOwnerCollaborators(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	document := documents.Document{
		DocumentID:  "doc-1",
		OwnerID:     "owner",
		Title:       "Plan",
		ContentJSON: documents.DefaultContentJSON,
	}
	if err := database.Create(&document).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	rows := []documents.Collaborator{
		{DocumentID: "doc-1", UserID: "owner"},
		{DocumentID: "doc-1", UserID: "editor"},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert collaborators: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []string
	if err := database.Model(&documents.Collaborator{}).Where("document_id = ?", "doc-1").Pluck("user_id", &remaining).Error; err != nil {
		testContext.Fatalf("failed to reload collaborators: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "editor" {
		testContext.Fatalf("expected only editor to remain, got %#v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDropOwnerCollaborators).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRenumbersUnnumberedVersions(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	versions := []documents.Version{
		{VersionID: "v-b", DocumentID: "doc-1", ContentJSON: "{}", SavedBy: "owner", CreatedAtMillis: 20},
		{VersionID: "v-a", DocumentID: "doc-1", ContentJSON: "{}", SavedBy: "owner", CreatedAtMillis: 10},
		{VersionID: "v-c", DocumentID: "doc-2", ContentJSON: "{}", SavedBy: "owner", CreatedAtMillis: 5},
	}
	if err := database.Create(&versions).Error; err != nil {
		testContext.Fatalf("failed to insert versions: %v", err)
	}

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]int64{"v-a": 1, "v-b": 2, "v-c": 1}
	for versionID, number := range expected {
		var stored documents.Version
		if err := database.Where("version_id = ?", versionID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", versionID, err)
		}
		if stored.Number != number {
			testContext.Fatalf("expected %s to be number %d, got %d", versionID, number, stored.Number)
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected two migration records, got %d", count)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected missing path error")
	}
	if _, err := OpenPostgres("", nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "inkwell.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
