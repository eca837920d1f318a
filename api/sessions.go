package api

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"radiochild/chartmeta"
)

// SessionHandler exposes editor sessions over HTTP.
type SessionHandler struct {
	controller *chartmeta.Controller
	events     *chartmeta.EventBus
	logger     *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*chartmeta.EditSession
}

func NewSessionHandler(controller *chartmeta.Controller, events *chartmeta.EventBus, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{
		controller: controller,
		events:     events,
		logger:     logger,
		sessions:   map[string]*chartmeta.EditSession{},
	}
}

func (h *SessionHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/sessions", h.handleCreate)
	app.Get("/api/v1/sessions/:id", h.handleGet)
	app.Delete("/api/v1/sessions/:id", h.handleDelete)
	app.Put("/api/v1/sessions/:id/chart-type", h.handleChartType)
	app.Post("/api/v1/sessions/:id/edits", h.handleEdit)
	app.Post("/api/v1/sessions/:id/query", h.handleQuery)
	app.Post("/api/v1/sessions/:id/drill/descend", h.handleDrillDescend)
	app.Post("/api/v1/sessions/:id/drill/ascend", h.handleDrillAscend)
	app.Post("/api/v1/sessions/:id/drill/toggle", h.handleDrillToggle)
	app.Put("/api/v1/sessions/:id/dataview", h.handleDataview)
	app.Put("/api/v1/sessions/:id/aggregation", h.handleAggregation)
	app.Post("/api/v1/sessions/:id/events", h.handleEvent)
	app.Post("/api/v1/sessions/:id/save", h.handleSave)
	app.Post("/api/v1/sessions/:id/download", h.handleDownload)
	app.Get("/api/v1/sessions/:id/artifact", h.handleArtifact)
}

// Close tears down every open session.
func (h *SessionHandler) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = map[string]*chartmeta.EditSession{}
	h.mu.Unlock()
	for _, s := range sessions {
		h.controller.Teardown(s)
	}
}

type createRequest struct {
	OrgID         string                   `json:"orgId"`
	DataChartID   string                   `json:"dataChartId"`
	WidgetID      string                   `json:"widgetId"`
	DefaultViewID string                   `json:"defaultViewId"`
	Container     string                   `json:"container"`
	ChartType     string                   `json:"chartType"`
	OriginChart   *chartmeta.ChartArtifact `json:"originChart"`
}

type chartTypeRequest struct {
	ChartID string `json:"chartId"`
}

type editRequest struct {
	Kind        string                 `json:"kind"`
	Section     *chartmeta.DataSection `json:"section"`
	Key         string                 `json:"key"`
	Value       any                    `json:"value"`
	NeedRefresh bool                   `json:"needRefresh"`
	DateLevel   bool                   `json:"dateLevel"`
}

type drillRequest struct {
	Value string `json:"value"`
	Field string `json:"field"`
}

type dataviewRequest struct {
	ViewID string `json:"viewId"`
}

type aggregationRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *SessionHandler) session(c *fiber.Ctx) (*chartmeta.EditSession, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[c.Params("id")]
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "Session not found")
	}
	return s, nil
}

func (h *SessionHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	var pf *chartmeta.PersistenceFailure
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.Is(err, chartmeta.ErrSessionClosed):
		status = fiber.StatusGone
	case errors.Is(err, chartmeta.ErrNoPendingQuery):
		status = fiber.StatusConflict
	case errors.Is(err, chartmeta.ErrChartNotFound):
		status = fiber.StatusNotFound
	case errors.As(err, &pf):
		status = fiber.StatusBadGateway
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.Warnf("%s %s: %s", c.Method(), c.Path(), err.Error())
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (h *SessionHandler) respond(c *fiber.Ctx, s *chartmeta.EditSession, patches []chartmeta.Patch) error {
	return c.JSON(fiber.Map{
		"session": s.View(),
		"patches": len(patches),
	})
}

func (h *SessionHandler) handleCreate(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body: " + err.Error()})
	}
	s, err := h.controller.Initialize(c.UserContext(), chartmeta.InitOptions{
		OrgID:         req.OrgID,
		DataChartID:   req.DataChartID,
		WidgetID:      req.WidgetID,
		DefaultViewID: req.DefaultViewID,
		Container:     chartmeta.Container(req.Container),
		ChartType:     chartmeta.WidgetChartType(req.ChartType),
		OriginChart:   req.OriginChart,
	})
	if err != nil {
		return h.fail(c, err)
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session": s.View()})
}

func (h *SessionHandler) handleGet(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"session": s.View()})
}

func (h *SessionHandler) handleDelete(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	h.controller.Teardown(s)
	return c.JSON(fiber.Map{"message": "Session closed"})
}

func (h *SessionHandler) handleChartType(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req chartTypeRequest
	if err := c.BodyParser(&req); err != nil || req.ChartID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chartId is required"})
	}
	patches, err := h.controller.ChangeChartType(s, req.ChartID)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleEdit(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req editRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body: " + err.Error()})
	}

	edit := chartmeta.ConfigEdit{NeedRefresh: req.NeedRefresh}
	switch req.Kind {
	case "data", "":
		if req.Section == nil || req.Section.Key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "section with a key is required"})
		}
		edit.Kind = chartmeta.EditData
		edit.Section = req.Section
	case "settings":
		if req.Key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key is required"})
		}
		edit.Kind = chartmeta.EditSettings
		edit.SettingKey = req.Key
		edit.SettingValue = req.Value
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "kind must be data or settings"})
	}

	var patches []chartmeta.Patch
	if req.DateLevel {
		patches, err = h.controller.ChangeDateLevel(s, edit)
	} else {
		patches, err = h.controller.EditConfig(s, edit)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleQuery(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	patches, err := h.controller.RunQuery(s)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleDrillDescend(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req drillRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body: " + err.Error()})
	}
	patches, err := h.controller.DrillDescend(s, req.Value)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleDrillAscend(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req drillRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body: " + err.Error()})
		}
	}
	patches, err := h.controller.DrillAscend(s, req.Field)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleDrillToggle(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	patches, err := h.controller.ToggleDrill(s)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleDataview(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req dataviewRequest
	if err := c.BodyParser(&req); err != nil || req.ViewID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "viewId is required"})
	}
	patches, err := h.controller.LoadDataview(c.UserContext(), s, req.ViewID)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

func (h *SessionHandler) handleAggregation(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req aggregationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body: " + err.Error()})
	}
	patches, err := h.controller.ToggleAggregation(s, req.Enabled)
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, s, patches)
}

// handleEvent forwards a rendered-chart interaction to the session's
// current chart instance.
func (h *SessionHandler) handleEvent(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	var ev chartmeta.InteractionEvent
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body: " + err.Error()})
	}
	if ev.Name == "" {
		ev.Name = chartmeta.ClickEvent
	}
	instance := c.Query("instance", s.InstanceKey())
	if !strings.HasPrefix(instance, s.ID+"/") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("instance %q is not part of session %s", instance, s.ID)})
	}
	delivered := h.events.Emit(instance, ev)
	return c.JSON(fiber.Map{"delivered": delivered, "session": s.View()})
}

func (h *SessionHandler) handleSave(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	art, err := h.controller.Save(c.UserContext(), s)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"artifact": art})
}

func (h *SessionHandler) handleDownload(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.controller.CreateDownloadTask(c.UserContext(), s); err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"session": s.View()})
}

// handleArtifact renders what a save would store, as json (default),
// msgpack or text.
func (h *SessionHandler) handleArtifact(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	outputType, err := chartmeta.ParseOutputType(c.Query("format", "json"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	var buf bytes.Buffer
	if err := chartmeta.EncodeArtifact(&buf, h.controller.BuildPersistable(s), outputType); err != nil {
		return h.fail(c, err)
	}
	switch outputType {
	case chartmeta.OTJSON:
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	case chartmeta.OTMessagePack:
		c.Set(fiber.HeaderContentType, "application/msgpack")
	default:
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	}
	return c.Send(buf.Bytes())
}
