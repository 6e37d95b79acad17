package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/metrics"
	"bus-monitor/alerting/internal/store"
)

const sourceHTTP = "http"

type changeHandler interface {
	HandleChange(ctx context.Context, busID string, change domain.LocationChange) ([]*domain.AlertRecord, error)
}

type locationStore interface {
	PutLocation(ctx context.Context, busID string, u *domain.LocationUpdate) (*domain.LocationUpdate, error)
	GetLocation(ctx context.Context, busID string) (*domain.LocationUpdate, error)
}

type alertAdmin interface {
	ListAlerts(ctx context.Context, q store.AlertQuery) ([]*domain.AlertRecord, error)
	ResolveAlert(ctx context.Context, id string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	changes   changeHandler
	locations locationStore
	alerts    alertAdmin
	checks    map[string]Pinger
	logger    *zap.Logger
}

// NewHandler wires the HTTP surface. locations may be nil, in which case
// the telemetry ingest routes are not registered.
func NewHandler(changes changeHandler, locations locationStore, alerts alertAdmin, checks map[string]Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		changes:   changes,
		locations: locations,
		alerts:    alerts,
		checks:    checks,
		logger:    logger,
	}
}

func NewRouter(h *Handler, auth *AuthMiddleware, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	if auth != nil {
		v1.Use(auth.Handle)
	}
	h.Register(v1)
	return r
}

func (h *Handler) Register(r *gin.RouterGroup) {
	r.POST("/triggers/bus_locations/:busId", h.TriggerChange)
	if h.locations != nil {
		r.PUT("/bus_locations/:busId", h.PutLocation)
		r.GET("/bus_locations/:busId", h.GetLocation)
	}
	r.GET("/alerts", h.ListAlerts)
	r.POST("/alerts/:id/resolve", h.ResolveAlert)
}

type changeRequest struct {
	Before *domain.LocationUpdate `json:"before"`
	After  *domain.LocationUpdate `json:"after"`
}

type ingestResponse struct {
	BusID  string                `json:"busId"`
	Alerts []*domain.AlertRecord `json:"alerts"`
}

// TriggerChange accepts a change pushed by an external trigger runtime.
// Any non-2xx answer tells the runtime to redeliver.
func (h *Handler) TriggerChange(c *gin.Context) {
	busID := c.Param("busId")

	var req changeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.TriggerInvocations.WithLabelValues(sourceHTTP, metrics.OutcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid change body"})
		return
	}

	change := domain.LocationChange{Before: req.Before, After: req.After}
	if _, err := h.changes.HandleChange(c.Request.Context(), busID, change); err != nil {
		h.changeFailed(c, busID, err)
		return
	}

	outcome := metrics.OutcomeHandled
	if req.After == nil {
		outcome = metrics.OutcomeNoop
	}
	metrics.TriggerInvocations.WithLabelValues(sourceHTTP, outcome).Inc()
	c.Status(http.StatusNoContent)
}

// PutLocation replaces the location document of a bus and runs the
// resulting change through the evaluator. Like an update trigger, the
// write that creates a bus's document is not evaluated.
func (h *Handler) PutLocation(c *gin.Context) {
	busID := c.Param("busId")

	var u domain.LocationUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location body"})
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	before, err := h.locations.PutLocation(c.Request.Context(), busID, &u)
	if err != nil {
		h.logger.Error("location write failed", zap.String("bus_id", busID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store location"})
		return
	}
	if before == nil {
		metrics.TriggerInvocations.WithLabelValues(sourceHTTP, metrics.OutcomeNoop).Inc()
		c.JSON(http.StatusAccepted, ingestResponse{BusID: busID, Alerts: []*domain.AlertRecord{}})
		return
	}

	written, err := h.changes.HandleChange(c.Request.Context(), busID, domain.LocationChange{Before: before, After: &u})
	if err != nil {
		h.changeFailed(c, busID, err)
		return
	}
	metrics.TriggerInvocations.WithLabelValues(sourceHTTP, metrics.OutcomeHandled).Inc()

	if written == nil {
		written = []*domain.AlertRecord{}
	}
	c.JSON(http.StatusAccepted, ingestResponse{BusID: busID, Alerts: written})
}

func (h *Handler) GetLocation(c *gin.Context) {
	busID := c.Param("busId")

	u, err := h.locations.GetLocation(c.Request.Context(), busID)
	if errors.Is(err, store.ErrLocationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "bus not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch location"})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) changeFailed(c *gin.Context, busID string, err error) {
	if errors.Is(err, domain.ErrMissingBusID) {
		metrics.TriggerInvocations.WithLabelValues(sourceHTTP, metrics.OutcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "bus id is required"})
		return
	}
	metrics.TriggerInvocations.WithLabelValues(sourceHTTP, metrics.OutcomeFailed).Inc()
	h.logger.Error("change handling failed", zap.String("bus_id", busID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "alert evaluation failed"})
}

func (h *Handler) ListAlerts(c *gin.Context) {
	q := store.AlertQuery{BusID: c.Query("busId")}

	if v := c.Query("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolved parameter"})
			return
		}
		q.Resolved = &resolved
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}
		q.Limit = limit
	}

	alerts, err := h.alerts.ListAlerts(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("alert listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alerts"})
		return
	}
	if alerts == nil {
		alerts = []*domain.AlertRecord{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	id := c.Param("id")

	err := h.alerts.ResolveAlert(c.Request.Context(), id)
	if errors.Is(err, store.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		h.logger.Error("alert resolve failed", zap.String("alert_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve alert"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "dependencies": deps})
}
