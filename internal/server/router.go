package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/internal/commands"
	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"github.com/MarcoPoloResearchLab/lodestar/internal/queue"
	"github.com/MarcoPoloResearchLab/lodestar/internal/recovery"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingCommands    = errors.New("command handler dependency required")
	errMissingQueue       = errors.New("mutation queue dependency required")
	errMissingProcessor   = errors.New("sync processor dependency required")
	errMissingCredentials = errors.New("credential provider dependency required")
)

// SyncProcessor is the slice of the background worker the HTTP surface needs.
type SyncProcessor interface {
	TriggerNow()
	IsDraining() bool
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Commands    *commands.Handler
	Queue       *queue.Queue
	Processor   SyncProcessor
	Recovery    *recovery.Coordinator
	Credentials credentials.Provider
	Logger      *zap.Logger
	UIOrigin    string
}

// NewHTTPHandler builds the localhost router the UI layer consumes. Handlers
// stay thin: bind, call the command layer, map sentinel errors to statuses.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Commands == nil {
		return nil, errMissingCommands
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Processor == nil {
		return nil, errMissingProcessor
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := []string{"*"}
	if trimmed := strings.TrimSpace(deps.UIOrigin); trimmed != "" {
		origins = []string{trimmed}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		commands:  deps.Commands,
		queue:     deps.Queue,
		processor: deps.Processor,
		recovery:  deps.Recovery,
		creds:     deps.Credentials,
		logger:    logger,
	}

	router.GET("/notes", handler.handleListNotes)
	router.POST("/notes", handler.handleCreateNote)
	router.PATCH("/notes/:id", handler.handleUpdateNote)
	router.DELETE("/notes/:id", handler.handleDeleteNote)
	router.POST("/notes/:id/share", handler.handleShareNote)
	router.DELETE("/notes/:id/share", handler.handleUnshareNote)
	router.POST("/notes/:id/bookmark", handler.handleBookmarkNote)
	router.DELETE("/notes/:id/bookmark", handler.handleUnbookmarkNote)
	router.GET("/sync/status", handler.handleSyncStatus)
	router.POST("/sync/run", handler.handleSyncRun)
	router.POST("/sync/retry", handler.handleSyncRetry)
	if deps.Recovery != nil {
		router.GET("/recovery/assessment", handler.handleRecoveryAssessment)
		router.POST("/recovery/run", handler.handleRecoveryRun)
	}

	return router, nil
}

type httpHandler struct {
	commands  *commands.Handler
	queue     *queue.Queue
	processor SyncProcessor
	recovery  *recovery.Coordinator
	creds     credentials.Provider
	logger    *zap.Logger
}

func (h *httpHandler) currentUser(c *gin.Context) (credentials.Credential, notes.UserID, bool) {
	cred, ok := h.creds.Current(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no_credential"})
		return credentials.Credential{}, "", false
	}
	userID, err := notes.NewUserID(cred.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_identity"})
		return credentials.Credential{}, "", false
	}
	return cred, userID, true
}

// noteRef builds the typed reference once at the boundary. The UI addresses
// notes by local id; the server space is opt-in via the space query parameter.
func noteRef(c *gin.Context) (notes.Ref, bool) {
	rawID := c.Param("id")
	var (
		ref notes.Ref
		err error
	)
	if c.Query("space") == "server" {
		ref, err = notes.ServerRef(rawID)
	} else {
		ref, err = notes.LocalRef(rawID)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return notes.Ref{}, false
	}
	return ref, true
}

type notePayload struct {
	Title   string `json:"title"`
	Details string `json:"details"`
}

type noteView struct {
	LocalID      string   `json:"local_id"`
	ServerID     string   `json:"server_id,omitempty"`
	Title        string   `json:"title"`
	Details      string   `json:"details"`
	OwnerID      string   `json:"owner_id"`
	SharedWith   []string `json:"shared_with"`
	BookmarkedBy []string `json:"bookmarked_by"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	SyncStatus   string   `json:"sync_status"`
	NeedsSync    bool     `json:"needs_sync"`
}

func viewFromNote(row notes.Note) noteView {
	view := noteView{
		LocalID:      row.LocalID,
		Title:        row.Title,
		Details:      row.Details,
		OwnerID:      row.OwnerID,
		SharedWith:   row.SharedWith.Members(),
		BookmarkedBy: row.BookmarkedBy.Members(),
		CreatedAt:    row.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    row.UpdatedAt.UTC().Format(time.RFC3339),
		SyncStatus:   string(row.SyncStatus),
		NeedsSync:    row.NeedsSync,
	}
	if row.HasServerID() {
		view.ServerID = *row.ServerID
	}
	return view
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	_, userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	rows, err := h.commands.FetchAll(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list notes failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}

	views := make([]noteView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewFromNote(row))
	}
	c.JSON(http.StatusOK, gin.H{"notes": views})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	_, userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	var payload notePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	localID, err := h.commands.CreateNote(c.Request.Context(), userID, notes.Draft{
		Title:   payload.Title,
		Details: payload.Details,
	})
	if err != nil {
		h.logger.Error("create note failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}
	h.processor.TriggerNow()
	c.JSON(http.StatusCreated, gin.H{"local_id": localID})
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	if _, _, ok := h.currentUser(c); !ok {
		return
	}
	ref, ok := noteRef(c)
	if !ok {
		return
	}

	var payload notePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.commands.UpdateNote(c.Request.Context(), ref, notes.Draft{
		Title:   payload.Title,
		Details: payload.Details,
	})
	if err != nil {
		h.respondMutationError(c, "update note failed", err)
		return
	}
	h.processor.TriggerNow()
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	if _, _, ok := h.currentUser(c); !ok {
		return
	}
	ref, ok := noteRef(c)
	if !ok {
		return
	}

	if err := h.commands.DeleteNote(c.Request.Context(), ref); err != nil {
		h.respondMutationError(c, "delete note failed", err)
		return
	}
	h.processor.TriggerNow()
	c.Status(http.StatusNoContent)
}

type sharePayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleShareNote(c *gin.Context) {
	if _, _, ok := h.currentUser(c); !ok {
		return
	}
	ref, ok := noteRef(c)
	if !ok {
		return
	}

	var payload sharePayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.commands.ShareNote(c.Request.Context(), ref, payload.Email); err != nil {
		h.respondMutationError(c, "share note failed", err)
		return
	}
	h.processor.TriggerNow()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnshareNote(c *gin.Context) {
	if _, _, ok := h.currentUser(c); !ok {
		return
	}
	ref, ok := noteRef(c)
	if !ok {
		return
	}

	var payload sharePayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.commands.UnshareNote(c.Request.Context(), ref, payload.Email); err != nil {
		h.respondMutationError(c, "unshare note failed", err)
		return
	}
	h.processor.TriggerNow()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBookmarkNote(c *gin.Context) {
	_, userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	ref, ok := noteRef(c)
	if !ok {
		return
	}

	if err := h.commands.BookmarkNote(c.Request.Context(), ref, userID); err != nil {
		h.respondMutationError(c, "bookmark note failed", err)
		return
	}
	h.processor.TriggerNow()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnbookmarkNote(c *gin.Context) {
	_, userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	ref, ok := noteRef(c)
	if !ok {
		return
	}

	if err := h.commands.UnbookmarkNote(c.Request.Context(), ref, userID); err != nil {
		h.respondMutationError(c, "unbookmark note failed", err)
		return
	}
	h.processor.TriggerNow()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status, err := h.queue.GetStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("queue status failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":    status,
		"draining": h.processor.IsDraining(),
	})
}

func (h *httpHandler) handleSyncRun(c *gin.Context) {
	h.processor.TriggerNow()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

func (h *httpHandler) handleSyncRetry(c *gin.Context) {
	moved, err := h.queue.ResetAllFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("retry failed operations failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
		return
	}
	if moved > 0 {
		h.processor.TriggerNow()
	}
	c.JSON(http.StatusOK, gin.H{"reset": moved})
}

func (h *httpHandler) handleRecoveryAssessment(c *gin.Context) {
	cred, _, ok := h.currentUser(c)
	if !ok {
		return
	}
	assessment, err := h.recovery.DetectNeed(c.Request.Context(), cred)
	if err != nil {
		h.logger.Error("recovery assessment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assessment_failed"})
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (h *httpHandler) handleRecoveryRun(c *gin.Context) {
	cred, _, ok := h.currentUser(c)
	if !ok {
		return
	}
	report, err := h.recovery.Execute(c.Request.Context(), cred)
	if err != nil {
		h.logger.Error("recovery run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) respondMutationError(c *gin.Context, message string, err error) {
	if errors.Is(err, notes.ErrNoteNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
		return
	}
	if errors.Is(err, notes.ErrInvalidRef) || errors.Is(err, notes.ErrInvalidUserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
}
