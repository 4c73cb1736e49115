package documents

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func TestCreateStoresDocumentWithInitialVersion(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if document.Title != DefaultTitle {
		t.Fatalf("unexpected title %q", document.Title)
	}
	if document.ContentJSON != DefaultContentJSON {
		t.Fatalf("unexpected content %q", document.ContentJSON)
	}

	versions, err := service.ListVersions(ctx, document.DocumentID, "owner")
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 1 || versions[0].Number != 1 {
		t.Fatalf("expected one initial version, got %#v", versions)
	}
}

func TestSavePersistsContentAndAppendsOneVersion(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "Plan")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.AddCollaborator(ctx, document.DocumentID, "owner", "editor"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}

	content := json.RawMessage(`{"type":"doc","content":[{"type":"text","text":"hello"}]}`)
	result, err := service.Save(ctx, document.DocumentID, "editor", content)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if result.Version.SavedBy != "editor" {
		t.Fatalf("unexpected version author %q", result.Version.SavedBy)
	}
	if result.Document.UpdatedAtMillis <= document.UpdatedAtMillis {
		t.Fatalf("expected updated timestamp to advance")
	}

	stored, err := service.GetByID(ctx, document.DocumentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ContentJSON != string(content) {
		t.Fatalf("unexpected stored content %q", stored.ContentJSON)
	}

	versions, err := service.ListVersions(ctx, document.DocumentID, "owner")
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected two versions, got %d", len(versions))
	}
	if versions[0].VersionID != result.Version.VersionID || versions[0].ContentJSON != string(content) {
		t.Fatalf("expected newest version first, got %#v", versions[0])
	}
}

func TestSaveRejectsUnauthorizedUserWithoutWriting(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "Private")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = service.Save(ctx, document.DocumentID, "stranger", json.RawMessage(`{"type":"doc"}`))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}

	stored, err := service.GetByID(ctx, document.DocumentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ContentJSON != DefaultContentJSON {
		t.Fatalf("content changed after rejected save")
	}
}

func TestSaveReportsMissingDocument(t *testing.T) {
	service := newTestService(t, 0)

	_, err := service.Save(context.Background(), "missing", "owner", json.RawMessage(`{}`))
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.save.not_found" {
		t.Fatalf("unexpected service error %v", err)
	}
}

func TestSaveRejectsInvalidContent(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "Doc")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = service.Save(ctx, document.DocumentID, "owner", json.RawMessage(`{"broken"`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCollaboratorLifecycle(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "Shared")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := service.HasAccess(ctx, document.DocumentID, "editor"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied before sharing, got %v", err)
	}
	if _, err := service.AddCollaborator(ctx, document.DocumentID, "editor", "editor"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected only the owner to share, got %v", err)
	}
	if _, err := service.AddCollaborator(ctx, document.DocumentID, "owner", "owner"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected owner to be rejected as collaborator, got %v", err)
	}

	shared, err := service.AddCollaborator(ctx, document.DocumentID, "owner", "editor")
	if err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}
	if len(shared.Collaborators) != 1 || shared.Collaborators[0] != "editor" {
		t.Fatalf("unexpected collaborators %#v", shared.Collaborators)
	}
	if _, err := service.AddCollaborator(ctx, document.DocumentID, "owner", "editor"); !errors.Is(err, ErrAlreadyCollaborator) {
		t.Fatalf("expected duplicate collaborator error, got %v", err)
	}
	if _, err := service.HasAccess(ctx, document.DocumentID, "editor"); err != nil {
		t.Fatalf("expected access after sharing, got %v", err)
	}

	listed, err := service.ListForUser(ctx, "editor")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].DocumentID != document.DocumentID {
		t.Fatalf("expected shared document in listing, got %#v", listed)
	}

	removed, err := service.RemoveCollaborator(ctx, document.DocumentID, "editor", "editor")
	if err != nil {
		t.Fatalf("self removal failed: %v", err)
	}
	if len(removed.Collaborators) != 0 {
		t.Fatalf("expected empty collaborator set, got %#v", removed.Collaborators)
	}
	if _, err := service.RemoveCollaborator(ctx, document.DocumentID, "owner", "editor"); err != nil {
		t.Fatalf("expected idempotent removal, got %v", err)
	}
	if _, err := service.HasAccess(ctx, document.DocumentID, "editor"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access revoked, got %v", err)
	}
}

func TestUpdateMetadataRestrictsVisibilityToOwner(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "Draft")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.AddCollaborator(ctx, document.DocumentID, "owner", "editor"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}

	public := true
	if _, err := service.UpdateMetadata(ctx, document.DocumentID, "editor", MetadataUpdate{IsPublic: &public}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected collaborator visibility change to be denied, got %v", err)
	}

	title := "Final"
	updated, err := service.UpdateMetadata(ctx, document.DocumentID, "editor", MetadataUpdate{Title: &title})
	if err != nil {
		t.Fatalf("title update failed: %v", err)
	}
	if updated.Title != "Final" {
		t.Fatalf("unexpected title %q", updated.Title)
	}

	updated, err = service.UpdateMetadata(ctx, document.DocumentID, "owner", MetadataUpdate{IsPublic: &public})
	if err != nil {
		t.Fatalf("visibility update failed: %v", err)
	}
	if !updated.IsPublic {
		t.Fatalf("expected public document")
	}
	if _, err := service.HasAccess(ctx, document.DocumentID, "reader"); err != nil {
		t.Fatalf("expected public access, got %v", err)
	}
}

func TestDeleteRemovesDocumentForOwnerOnly(t *testing.T) {
	service := newTestService(t, 0)
	ctx := context.Background()

	document, err := service.Create(ctx, "owner", "Temp")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.AddCollaborator(ctx, document.DocumentID, "owner", "editor"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}
	if err := service.Delete(ctx, document.DocumentID, "editor"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected collaborator delete to be denied, got %v", err)
	}
	if err := service.Delete(ctx, document.DocumentID, "owner"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.GetByID(ctx, document.DocumentID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected deleted document to be missing, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
	if _, err := NewService(ServiceConfig{Database: openTestDatabase(t)}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}
