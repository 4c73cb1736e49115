package documents

import (
	"errors"
	"fmt"
)

var (
	// ErrDocumentNotFound indicates the document id does not resolve.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrAccessDenied indicates the user lacks the owner or collaborator relation.
	ErrAccessDenied = errors.New("documents: access denied")
	// ErrVersionNotFound indicates the version does not exist for the document.
	ErrVersionNotFound = errors.New("documents: version not found")
	// ErrMessageNotFound indicates the chat message does not exist.
	ErrMessageNotFound = errors.New("documents: message not found")
	// ErrInvalidInput indicates a malformed identifier, title, or payload.
	ErrInvalidInput = errors.New("documents: invalid input")
	// ErrAlreadyCollaborator indicates the user is already on the collaborator set.
	ErrAlreadyCollaborator = errors.New("documents: already a collaborator")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable "documents.<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "documents.service.new"
	opCreate              = "documents.create"
	opGet                 = "documents.get"
	opListForUser         = "documents.list_for_user"
	opUpdateMetadata      = "documents.update_metadata"
	opSave                = "documents.save"
	opDelete              = "documents.delete"
	opAddCollaborator     = "documents.add_collaborator"
	opRemoveCollaborator  = "documents.remove_collaborator"
	opCreateVersion       = "documents.create_version"
	opListVersions        = "documents.list_versions"
	opRestoreVersion      = "documents.restore_version"
	opAppendMessage       = "documents.append_message"
	opListMessages        = "documents.list_messages"
	opDeleteMessage       = "documents.delete_message"
	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonAccessDenied    = "access_denied"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonDuplicate       = "duplicate"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsDomainError reports whether err is a caller-facing condition rather than
// an infrastructure failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAlreadyCollaborator)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrVersionNotFound), errors.Is(err, ErrMessageNotFound):
		return reasonNotFound
	case errors.Is(err, ErrAccessDenied):
		return reasonAccessDenied
	case errors.Is(err, ErrInvalidInput):
		return reasonInvalidInput
	case errors.Is(err, ErrAlreadyCollaborator):
		return reasonDuplicate
	default:
		return reasonWriteFailed
	}
}
