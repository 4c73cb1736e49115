package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/gateway"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const identityContextKey = "inkwell_identity"

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingUsers     = errors.New("users service dependency required")
	errMissingDocuments = errors.New("documents service dependency required")
	errMissingGateway   = errors.New("realtime gateway dependency required")
)

type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

type Dependencies struct {
	Validator      SessionValidator
	Users          *users.Service
	Documents      *documents.Service
	Gateway        *gateway.Gateway
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	AllowedOrigins []string
	SendBuffer     int
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(origins)))

	handler := &httpHandler{
		validator: deps.Validator,
		users:     deps.Users,
		documents: deps.Documents,
		gateway:   deps.Gateway,
		logger:    logger,
		realtime:  newRealtimeEndpoint(deps.Gateway, origins, deps.SendBuffer, logger),
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/realtime", handler.realtime.handle)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PATCH("/documents/:id", handler.handleUpdateDocument)
	protected.PUT("/documents/:id/content", handler.handleSaveDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.POST("/documents/:id/collaborators", handler.handleAddCollaborator)
	protected.DELETE("/documents/:id/collaborators/:userId", handler.handleRemoveCollaborator)
	protected.GET("/documents/:id/versions", handler.handleListVersions)
	protected.POST("/documents/:id/versions/:versionId/restore", handler.handleRestoreVersion)
	protected.GET("/documents/:id/messages", handler.handleListMessages)
	protected.DELETE("/messages/:id", handler.handleDeleteMessage)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return config
}

type httpHandler struct {
	validator SessionValidator
	users     *users.Service
	documents *documents.Service
	gateway   *gateway.Gateway
	logger    *zap.Logger
	realtime  *realtimeEndpoint
}

type identityPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

type documentPayload struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content,omitempty"`
	IsPublic      bool            `json:"isPublic"`
	Collaborators []string        `json:"collaborators"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

type versionPayload struct {
	ID        string          `json:"id"`
	Number    int64           `json:"number"`
	SavedBy   string          `json:"savedBy"`
	CreatedAt int64           `json:"createdAt"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type messageResponsePayload struct {
	ID         string `json:"id"`
	DocID      string `json:"docId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
	CreatedAt  int64  `json:"createdAt"`
}

type saveResponsePayload struct {
	Document  documentPayload `json:"document"`
	VersionID string          `json:"versionId"`
	SavedAt   int64           `json:"savedAt"`
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

type updateDocumentRequest struct {
	Title    *string `json:"title"`
	IsPublic *bool   `json:"isPublic"`
}

type saveDocumentRequest struct {
	Content json.RawMessage `json:"content"`
}

type addCollaboratorRequest struct {
	UserID string `json:"userId"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	identity := currentIdentity(c)
	c.JSON(http.StatusOK, identityPayload{
		UserID:      identity.UserID,
		DisplayName: identity.Name(),
		Email:       identity.Email,
	})
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	document, err := h.documents.Create(c.Request.Context(), currentIdentity(c).UserID, request.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDocumentPayload(document, true))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	list, err := h.documents.ListForUser(c.Request.Context(), currentIdentity(c).UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]documentPayload, 0, len(list))
	for _, document := range list {
		response = append(response, newDocumentPayload(document, false))
	}
	c.JSON(http.StatusOK, gin.H{"documents": response})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, err := h.documents.HasAccess(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document, true))
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	var request updateDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	document, err := h.documents.UpdateMetadata(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID, documents.MetadataUpdate{
		Title:    request.Title,
		IsPublic: request.IsPublic,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document, false))
}

func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	var request saveDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.documents.Save(context.WithoutCancel(c.Request.Context()), c.Param("id"), currentIdentity(c).UserID, request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saveResponsePayload{
		Document:  newDocumentPayload(result.Document, false),
		VersionID: result.Version.VersionID,
		SavedAt:   result.Document.UpdatedAtMillis,
	})
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	if err := h.documents.Delete(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	var request addCollaboratorRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.users.Get(ctx, request.UserID); err != nil {
		if errors.Is(err, users.ErrUnknownIdentity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
			return
		}
		h.respondError(c, err)
		return
	}
	document, err := h.documents.AddCollaborator(ctx, c.Param("id"), currentIdentity(c).UserID, request.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document, false))
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	document, err := h.documents.RemoveCollaborator(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID, c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document, false))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	versions, err := h.documents.ListVersions(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	includeContent := c.Query("content") == "true"
	response := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload := versionPayload{
			ID:        version.VersionID,
			Number:    version.Number,
			SavedBy:   version.SavedBy,
			CreatedAt: version.CreatedAtMillis,
		}
		if includeContent {
			payload.Content = version.Content()
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, gin.H{"versions": response})
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	identity := currentIdentity(c)
	ctx := context.WithoutCancel(c.Request.Context())
	result, err := h.documents.RestoreVersion(ctx, c.Param("id"), c.Param("versionId"), identity.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.gateway.NotifyRestored(ctx, result, identity)
	c.JSON(http.StatusOK, saveResponsePayload{
		Document:  newDocumentPayload(result.Document, true),
		VersionID: result.Version.VersionID,
		SavedAt:   result.Document.UpdatedAtMillis,
	})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		limit = parsed
	}
	messages, err := h.documents.ListMessages(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]messageResponsePayload, 0, len(messages))
	for _, message := range messages {
		response = append(response, messageResponsePayload{
			ID:         message.MessageID,
			DocID:      message.DocumentID,
			SenderID:   message.SenderID,
			SenderName: message.SenderName,
			Content:    message.Content,
			Kind:       string(message.Kind),
			CreatedAt:  message.CreatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": response})
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	if err := h.documents.DeleteMessage(c.Request.Context(), c.Param("id"), currentIdentity(c).UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// authorizeRequest resolves the bearer token to a known identity.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.ExtractBearerToken(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	identity, err := h.users.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func currentIdentity(c *gin.Context) users.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return users.Identity{}
	}
	identity, _ := value.(users.Identity)
	return identity
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound),
		errors.Is(err, documents.ErrVersionNotFound),
		errors.Is(err, documents.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, documents.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
	case errors.Is(err, documents.ErrInvalidInput), errors.Is(err, users.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, documents.ErrAlreadyCollaborator):
		c.JSON(http.StatusConflict, gin.H{"error": "already_collaborator"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func newDocumentPayload(document documents.Document, includeContent bool) documentPayload {
	collaborators := document.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	payload := documentPayload{
		ID:            document.DocumentID,
		OwnerID:       document.OwnerID,
		Title:         document.Title,
		IsPublic:      document.IsPublic,
		Collaborators: collaborators,
		CreatedAt:     document.CreatedAtMillis,
		UpdatedAt:     document.UpdatedAtMillis,
	}
	if includeContent {
		payload.Content = document.Content()
	}
	return payload
}
