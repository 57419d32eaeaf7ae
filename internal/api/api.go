// Package api is the HTTP surface of the launcher.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tastythames/task-launcher/internal/task"
)

// Service is the orchestrator as seen by the handlers.
type Service interface {
	Status(ctx context.Context) task.StatusReport
	Start(ctx context.Context, name string, option int) task.StartResult
	Stop(ctx context.Context, name string) task.StopResult
	Restart(ctx context.Context, name string, option int) task.StartResult
	Details(name string) (task.Details, error)
}

type Handler struct {
	svc    Service
	logger *zap.Logger
}

// NewRouter mounts the launcher routes, /health and, when metrics is not
// nil, /metrics.
func NewRouter(svc Service, metrics http.Handler, logger *zap.Logger) http.Handler {
	h := &Handler{svc: svc, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/launcher", func(r chi.Router) {
		r.Get("/", h.status)
		r.Post("/", h.start)
		r.Post("/stop", h.stop)
		r.Post("/restart", h.restart)
		r.Get("/{taskName}", h.details)
	})
	return r
}

type startRequest struct {
	Task       string `json:"task"`
	TimeOption *int   `json:"timeOption"`
}

type stopRequest struct {
	Task string `json:"task"`
}

type taskView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ETA       string `json:"eta"`
	StartTime string `json:"startTime,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

type serverView struct {
	Name string `json:"name"`
	// Ping is milliseconds, "timeout" or "error".
	Ping any `json:"ping"`
}

type statusResponse struct {
	Tasks   []taskView   `json:"tasks"`
	Servers []serverView `json:"servers"`
}

type startResponse struct {
	Success          bool        `json:"success"`
	Message          string      `json:"message"`
	ETA              string      `json:"eta,omitempty"`
	ScheduledEndTime string      `json:"scheduledEndTime,omitempty"`
	TimeOption       int         `json:"timeOption,omitempty"`
	TimeHours        int         `json:"timeHours,omitempty"`
	ValidOptions     map[int]int `json:"validOptions,omitempty"`
	AllowedOptions   []int       `json:"allowedOptions,omitempty"`
}

type stopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type detailsResponse struct {
	Name                 string            `json:"name"`
	ID                   int               `json:"id"`
	Telnet               string            `json:"telnet"`
	Status               string            `json:"status"`
	ETA                  string            `json:"eta"`
	StartTime            *string           `json:"startTime"`
	EndTime              *string           `json:"endTime"`
	LastError            *string           `json:"lastError"`
	AutoStopped          bool              `json:"autoStopped"`
	CommandCount         int               `json:"commandCount"`
	ShutdownCommandCount int               `json:"shutdownCommandCount"`
	Transitions          []task.Transition `json:"transitions"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Status(r.Context())

	resp := statusResponse{
		Tasks:   make([]taskView, 0, len(report.Tasks)),
		Servers: make([]serverView, 0, len(report.Servers)),
	}
	for _, t := range report.Tasks {
		v := taskView{
			ID:        strconv.Itoa(t.ID),
			Name:      t.Name,
			Status:    string(t.State),
			ETA:       t.ETA,
			LastError: t.LastError,
		}
		if !t.StartTime.IsZero() {
			v.StartTime = formatTime(t.StartTime)
		}
		resp.Tasks = append(resp.Tasks, v)
	}
	for _, s := range report.Servers {
		var ping any
		switch {
		case s.Result.Err != nil:
			ping = "error"
		case !s.Result.Reachable:
			ping = "timeout"
		default:
			ping = s.Result.Millis
		}
		resp.Servers = append(resp.Servers, serverView{Name: s.Name, Ping: ping})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, startView(h.svc.Start(r.Context(), req.Task, optionOf(req))))
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, startView(h.svc.Restart(r.Context(), req.Task, optionOf(req))))
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !h.decode(w, r, &req) {
		return
	}
	res := h.svc.Stop(r.Context(), req.Task)
	writeJSON(w, http.StatusOK, stopResponse{Success: res.Success, Message: res.Message})
}

func (h *Handler) details(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Details(chi.URLParam(r, "taskName"))
	if errors.Is(err, task.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := detailsResponse{
		Name:                 d.Name,
		ID:                   d.ID,
		Telnet:               d.Telnet,
		Status:               string(d.State),
		ETA:                  d.ETA,
		AutoStopped:          d.AutoStopped,
		CommandCount:         d.CommandCount,
		ShutdownCommandCount: d.ShutdownCommandCount,
		Transitions:          d.Transitions,
	}
	if !d.StartTime.IsZero() {
		s := formatTime(d.StartTime)
		resp.StartTime = &s
	}
	if d.EndTime != nil {
		s := formatTime(*d.EndTime)
		resp.EndTime = &s
	}
	if d.LastError != "" {
		resp.LastError = &d.LastError
	}
	if resp.Transitions == nil {
		resp.Transitions = []task.Transition{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func startView(res task.StartResult) startResponse {
	resp := startResponse{Success: res.Success, Message: res.Message}
	if res.Success {
		resp.ETA = res.ETA
		resp.ScheduledEndTime = formatTime(res.ScheduledEndTime)
		resp.TimeOption = res.TimeOption
		resp.TimeHours = res.TimeHours
		return resp
	}
	var ve *task.ValidationError
	if errors.As(res.Err, &ve) {
		resp.ValidOptions = ve.ValidOptions
		resp.AllowedOptions = ve.AllowedOptions
	}
	return resp
}

// optionOf maps a missing timeOption to 0, which no duration option uses.
func optionOf(req startRequest) int {
	if req.TimeOption == nil {
		return 0
	}
	return *req.TimeOption
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug("bad request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, stopResponse{Message: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}
