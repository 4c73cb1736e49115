package gateway

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
)

var (
	// ErrAuthentication rejects a connection attempt before any room logic runs.
	ErrAuthentication = errors.New("gateway: authentication failed")
	// ErrNotFound indicates the document id does not resolve.
	ErrNotFound = errors.New("gateway: document not found")
	// ErrAccessDenied indicates the identity lacks access to the document.
	ErrAccessDenied = errors.New("gateway: access denied")
	// ErrRoomMismatch indicates the event targets a document other than the current room.
	ErrRoomMismatch = errors.New("gateway: not in document room")
	// ErrPersistence indicates a store operation failed.
	ErrPersistence = errors.New("gateway: persistence failed")
	// ErrInvalidEvent indicates a malformed envelope or payload.
	ErrInvalidEvent = errors.New("gateway: invalid event")
	// ErrRateLimited indicates the connection exceeded its event budget.
	ErrRateLimited = errors.New("gateway: rate limited")
	// ErrInternal covers unexpected faults caught at the event boundary.
	ErrInternal = errors.New("gateway: internal error")

	errMissingValidator  = errors.New("token validator dependency required")
	errMissingIdentities = errors.New("identity resolver dependency required")
	errMissingDocuments  = errors.New("document store dependency required")
)

// Error codes carried in the error event payload.
const (
	CodeNotFound     = "not_found"
	CodeAccessDenied = "access_denied"
	CodeRoomMismatch = "room_mismatch"
	CodeInvalidEvent = "invalid_event"
	CodeRateLimited  = "rate_limited"
	CodePersistence  = "persistence_failed"
	CodeInternal     = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrRoomMismatch):
		return CodeRoomMismatch
	case errors.Is(err, ErrInvalidEvent):
		return CodeInvalidEvent
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}

func errorMessage(err error) string {
	switch errorCode(err) {
	case CodeNotFound:
		return "Document not found"
	case CodeAccessDenied:
		return "Access denied"
	case CodeRoomMismatch:
		return "Not in document room"
	case CodeInvalidEvent:
		return "Invalid event"
	case CodeRateLimited:
		return "Too many events"
	case CodePersistence:
		return "Storage unavailable"
	default:
		return "Internal error"
	}
}

// classifyStoreError maps document store failures onto the gateway taxonomy.
func classifyStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, documents.ErrDocumentNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, documents.ErrAccessDenied):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case errors.Is(err, documents.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

// isClientError reports conditions caused by the client rather than the server.
func isClientError(err error) bool {
	switch errorCode(err) {
	case CodeNotFound, CodeAccessDenied, CodeRoomMismatch, CodeInvalidEvent, CodeRateLimited:
		return true
	default:
		return false
	}
}
