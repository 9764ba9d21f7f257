package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/errs"
	"attendsync/internal/logging"
	"attendsync/internal/queue"
	"attendsync/internal/scheduler"
	"attendsync/internal/store"
)

// Store is the Local Event Store surface the API reads and the few writes it
// is allowed to make.
type Store interface {
	Get(ctx context.Context, id string) (attendance.Event, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]attendance.Event, error)
	SyncLog(ctx context.Context, eventID string) ([]attendance.SyncLogEntry, error)
	CountByStatus(ctx context.Context) (map[attendance.SyncStatus]int, error)
	Requeue(ctx context.Context, id string) (attendance.Event, error)
	ListSubjects(ctx context.Context, activeOnly bool) ([]attendance.Subject, error)
	TouchDevice(ctx context.Context, d attendance.Device) error
	Ping(ctx context.Context) error
}

// Admitter is the Dedup Guard.
type Admitter interface {
	Admit(ctx context.Context, c attendance.Candidate) (attendance.Decision, error)
}

// Publisher hands work to the worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the device and operator API.
type Handler struct {
	store       Store
	guard       Admitter
	queue       Publisher
	issuer      *auth.Issuer
	operatorKey string
	checks      map[string]HealthCheck
}

// New builds a handler. An empty operatorKey disables operator login and a
// nil q disables on-demand sync.
func New(s Store, guard Admitter, q Publisher, issuer *auth.Issuer, operatorKey string, checks map[string]HealthCheck) *Handler {
	return &Handler{store: s, guard: guard, queue: q, issuer: issuer, operatorKey: operatorKey, checks: checks}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	r.POST("/v1/devices/register", h.RegisterDevice)
	r.POST("/v1/operators/token", h.OperatorToken)
	r.POST("/v1/auth/refresh", h.RefreshToken)

	v1 := r.Group("/v1", auth.BearerAuth(h.issuer))
	v1.POST("/recognitions", auth.RequireRole(auth.RoleDevice), h.Admit)
	v1.GET("/events", h.ListEvents)
	v1.GET("/events/:id", h.GetEvent)
	v1.GET("/subjects", h.ListSubjects)
	v1.GET("/stats", h.Stats)

	ops := v1.Group("", auth.RequireRole(auth.RoleOperator))
	ops.POST("/events/:id/requeue", h.Requeue)
	ops.POST("/sync/:job", h.TriggerSync)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"status": "ok"}
	status := http.StatusOK

	localOK := h.store.Ping(ctx) == nil
	body["local_store"] = localOK
	if !localOK {
		status = http.StatusServiceUnavailable
	}
	// Remote dependencies are informational: the device works offline.
	for name, check := range h.checks {
		body[name] = check(ctx)
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// ---------- Tokens ----------

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string            `json:"device_id" binding:"required"`
		Config   map[string]string `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.TouchDevice(c.Request.Context(), attendance.Device{
		ID:         req.DeviceID,
		LastSeenAt: time.Now().UTC(),
		Config:     req.Config,
	}); err != nil {
		h.fail(c, err)
		return
	}

	tokens, err := h.issuer.Issue(req.DeviceID, auth.RoleDevice)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

func (h *Handler) OperatorToken(c *gin.Context) {
	if h.operatorKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "operator login disabled"})
		return
	}
	var req struct {
		Operator string `json:"operator" binding:"required"`
		Key      string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Key), []byte(h.operatorKey)) != 1 {
		logging.Warn(c.Request.Context(), "operator login refused", slog.String("operator", req.Operator))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator key"})
		return
	}

	tokens, err := h.issuer.Issue(req.Operator, auth.RoleOperator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.issuer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// ---------- Admission ----------

type recognitionRequest struct {
	SubjectID  string    `json:"subject_id" binding:"required"`
	DeviceID   string    `json:"device_id" binding:"required"`
	CapturedAt time.Time `json:"captured_at"`
	Confidence *float64  `json:"confidence" binding:"required"`
}

// Admit runs a recognition candidate through the Dedup Guard. Rejections are
// answered with 200 and admitted=false.
func (h *Handler) Admit(c *gin.Context) {
	var req recognitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Subject != req.DeviceID {
		c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
		return
	}

	d, err := h.guard.Admit(c.Request.Context(), attendance.Candidate{
		SubjectID:  req.SubjectID,
		DeviceID:   req.DeviceID,
		CapturedAt: req.CapturedAt,
		Confidence: *req.Confidence,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if !d.Admitted {
		c.JSON(http.StatusOK, gin.H{"admitted": false, "reason": d.Reason, "conflict_id": d.ConflictID})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"admitted": true, "event": d.Event})
}

// ---------- Dashboard reads ----------

func (h *Handler) ListEvents(c *gin.Context) {
	f := store.EventFilter{
		SubjectID: c.Query("subject_id"),
		DeviceID:  c.Query("device_id"),
		Limit:     50,
	}
	if v := c.Query("status"); v != "" {
		st, ok := attendance.ParseStatus(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(v)})
			return
		}
		f.Status = st
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			f.Limit = min(parsed, 500)
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}

	events, err := h.store.ListEvents(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []attendance.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) GetEvent(c *gin.Context) {
	ctx := c.Request.Context()
	evt, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.store.SyncLog(ctx, evt.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []attendance.SyncLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"event": evt, "sync_log": entries})
}

func (h *Handler) ListSubjects(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") != "false"
	subjects, err := h.store.ListSubjects(c.Request.Context(), activeOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, gin.H{
			"id":           s.ID,
			"display_name": s.DisplayName,
			"active":       s.Active,
			"embeddings":   len(s.Embeddings),
			"updated_at":   s.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subjects": out})
}

func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.store.CountByStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"by_status": counts, "total": total})
}

// ---------- Operator actions ----------

func (h *Handler) Requeue(c *gin.Context) {
	evt, err := h.store.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	logging.Info(c.Request.Context(), "event requeued",
		slog.String("event_id", evt.ID), slog.String("operator", claims.Subject))
	c.JSON(http.StatusOK, gin.H{"event": evt})
}

var syncJobs = map[string]bool{
	scheduler.JobAttendance: true,
	scheduler.JobReference:  true,
	scheduler.JobCleanup:    true,
}

func (h *Handler) TriggerSync(c *gin.Context) {
	job := c.Param("job")
	if !syncJobs[job] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job " + strconv.Quote(job)})
		return
	}
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "on-demand sync needs a shared queue"})
		return
	}
	msg, err := queue.NewMessage(queue.TypeSync, queue.SyncBody{Job: job})
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.queue.Publish(c.Request.Context(), msg); err != nil {
		logging.Error(c.Request.Context(), "queue publish failed", slog.Any("err", errs.Loggable(err)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job, "request_id": msg.ID})
}

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, attendance.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logging.Error(c.Request.Context(), "request failed",
			slog.String("path", c.FullPath()), slog.Any("err", errs.Loggable(err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
