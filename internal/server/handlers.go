package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/stepwise/internal/agent/core"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/queue/streams"
	"github.com/mohammad-safakhou/stepwise/internal/tool"
)

// PlanStore is the persistence surface the handlers read from.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (plan.Snapshot, bool, error)
	ListPlans(ctx context.Context, limit int) ([]plan.Snapshot, error)
}

// TaskPublisher enqueues accepted tasks for the workers.
type TaskPublisher interface {
	PublishTask(ctx context.Context, stream string, task streams.TaskEvent, opts ...streams.PublishOption) (string, error)
}

// Handler serves the task and plan API. Tasks are accepted here and
// executed by workers; the handler never drives a plan itself.
type Handler struct {
	Store      PlanStore
	Publisher  TaskPublisher
	TaskStream string
}

// Register mounts the API routes on the given group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/tasks", h.createTask)
	g.GET("/plans", h.listPlans)
	g.GET("/plans/:id", h.getPlan)
	g.GET("/plans/:id/answer", h.getAnswer)
	g.GET("/tools", h.listTools)
}

type createTaskRequest struct {
	Instruction    string   `json:"instruction"`
	CorrelationID  string   `json:"correlation_id"`
	Language       string   `json:"language"`
	Quick          bool     `json:"quick"`
	BackgroundMode bool     `json:"background_mode"`
	Checklist      []string `json:"checklist"`
}

type createTaskResponse struct {
	PlanID        string `json:"plan_id"`
	CorrelationID string `json:"correlation_id"`
}

func (h *Handler) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "instruction is required")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	task := streams.TaskEvent{
		PlanID:         uuid.NewString(),
		CorrelationID:  req.CorrelationID,
		Instruction:    req.Instruction,
		Language:       req.Language,
		Quick:          req.Quick,
		BackgroundMode: req.BackgroundMode,
		Checklist:      req.Checklist,
	}
	if _, err := h.Publisher.PublishTask(c.Request().Context(), h.TaskStream, task); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to enqueue task")
	}
	return c.JSON(http.StatusAccepted, createTaskResponse{PlanID: task.PlanID, CorrelationID: task.CorrelationID})
}

func (h *Handler) listPlans(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	plans, err := h.Store.ListPlans(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list plans")
	}
	out := make([]map[string]interface{}, 0, len(plans))
	for _, p := range plans {
		out = append(out, map[string]interface{}{
			"plan_id":        p.ID,
			"correlation_id": p.CorrelationID,
			"instruction":    p.Instruction,
			"status":         p.Status,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getPlan(c echo.Context) error {
	snap, ok, err := h.Store.GetPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load plan")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) getAnswer(c echo.Context) error {
	snap, ok, err := h.Store.GetPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load plan")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	if snap.Status != plan.StatusFinalized {
		return echo.NewHTTPError(http.StatusConflict, "plan is not finalized yet")
	}
	// Same Question:/Answer: shape the CLI prints.
	return c.JSON(http.StatusOK, map[string]string{
		"plan_id": snap.ID,
		"answer":  core.FinalMessage(snap.Instruction, snap.FinalAnswer),
	})
}

func (h *Handler) listTools(c echo.Context) error {
	descriptors := make([]tool.Descriptor, 0, len(tool.Identifiers()))
	for _, id := range tool.Identifiers() {
		descriptors = append(descriptors, tool.DefaultDescriptor(id))
	}
	return c.JSON(http.StatusOK, descriptors)
}
