// Package handlers provides the JSON API handlers
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"scenery-downloader/internal/catalog"
	"scenery-downloader/internal/database"
	"scenery-downloader/internal/downloader"
	"scenery-downloader/internal/installed"
	"scenery-downloader/internal/simulator"
	"scenery-downloader/pkg/models"

	"github.com/bytedance/sonic"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Services are the components the API exposes. Browser and Installations may be nil.
type Services struct {
	Catalog       *catalog.Service
	Worker        *downloader.Worker
	Installed     *installed.Registry
	History       *database.DB
	Browser       *simulator.Browser
	Installations func() []simulator.Root
}

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	catalog       *catalog.Service
	worker        *downloader.Worker
	installed     *installed.Registry
	db            *database.DB
	browser       *simulator.Browser
	installations func() []simulator.Root
	logger        *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(s Services) *Handlers {
	return &Handlers{
		catalog:       s.Catalog,
		worker:        s.Worker,
		installed:     s.Installed,
		db:            s.History,
		browser:       s.Browser,
		installations: s.Installations,
		logger:        slog.Default(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "Failed to encode response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handlers) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// writeError maps err to a status code and writes it as {"error", "kind"}
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err, "kind", kind)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, downloader.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, downloader.ErrInvalidScenery):
		return http.StatusBadRequest, "invalid_scenery"
	case errors.Is(err, downloader.ErrAlreadyQueued):
		return http.StatusConflict, "already_queued"
	case errors.Is(err, downloader.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, downloader.ErrNotPartial):
		return http.StatusConflict, "not_partial"
	case errors.Is(err, downloader.ErrBusy):
		return http.StatusConflict, "busy"
	}

	kind := models.KindOf(err)
	switch kind {
	case models.KindInvalidInput:
		return http.StatusBadRequest, string(kind)
	case models.KindNotFound:
		return http.StatusNotFound, string(kind)
	case models.KindUnavailable:
		return http.StatusServiceUnavailable, string(kind)
	case models.KindProtocol, models.KindCorruptPayload:
		return http.StatusBadGateway, string(kind)
	case models.KindEnvironmentNotFound:
		return http.StatusConflict, string(kind)
	}
	return http.StatusInternalServerError, string(kind)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid scenery ID")
	}
	return id, nil
}

type airportResponse struct {
	*catalog.AirportDetails
	Installed   []*models.InstalledScenery `json:"installed"`
	NeedsUpdate bool                       `json:"needs_update"`
}

// GetAirport returns an airport with its scenery packs and local install state
func (h *Handlers) GetAirport(w http.ResponseWriter, r *http.Request) {
	icao, err := models.NormalizeICAO(r.PathValue("icao"))
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		h.catalog.Invalidate(icao)
	}

	details, err := h.catalog.AirportDetails(r.Context(), icao)
	if err != nil {
		h.logger.Warn("Failed to look up airport", "icao", icao, "error", err)
		h.writeError(w, err)
		return
	}

	installedRecs := h.installed.ForAirport(icao)
	if installedRecs == nil {
		installedRecs = []*models.InstalledScenery{}
	}

	h.writeJSON(w, http.StatusOK, airportResponse{
		AirportDetails: details,
		Installed:      installedRecs,
		NeedsUpdate:    h.installed.NeedsUpdate(details.Airport),
	})
}

type sceneryResponse struct {
	*models.Scenery
	Lineage          []int64 `json:"lineage"`
	LineageTruncated bool    `json:"lineage_truncated,omitempty"`
	Installed        bool    `json:"installed"`
}

// GetScenery returns one scenery pack's metadata and its version lineage
func (h *Handlers) GetScenery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}

	scenery, err := h.catalog.Scenery(r.Context(), id)
	if err != nil {
		h.logger.Warn("Failed to look up scenery", "scenery_id", id, "error", err)
		h.writeError(w, err)
		return
	}

	chain, truncated := h.catalog.Lineage(r.Context(), id)
	h.writeJSON(w, http.StatusOK, sceneryResponse{
		Scenery:          scenery,
		Lineage:          chain,
		LineageTruncated: truncated,
		Installed:        h.installed.IsInstalled(id),
	})
}

type submitRequest struct {
	SceneryID  int64   `json:"scenery_id"`
	SceneryIDs []int64 `json:"scenery_ids"`
	// ICAO is used for sceneries whose metadata has no airport code
	ICAO string `json:"icao"`
}

type submitResponse struct {
	Tasks  []models.DownloadTask `json:"tasks"`
	Errors map[int64]string      `json:"errors,omitempty"`
}

// SubmitDownload queues one or more scenery packs. Metadata is fetched first so
// unknown IDs are rejected before anything is queued.
func (h *Handlers) SubmitDownload(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode download request", "error", err)
		h.badRequest(w, "Invalid request body")
		return
	}

	var icao string
	if strings.TrimSpace(req.ICAO) != "" {
		code, err := models.NormalizeICAO(req.ICAO)
		if err != nil {
			h.badRequest(w, err.Error())
			return
		}
		icao = code
	}
	withAirport := func(scenery *models.Scenery) *models.Scenery {
		if scenery.AirportICAO == "" {
			scenery.AirportICAO = icao
		}
		return scenery
	}

	var ids []int64
	seen := make(map[int64]bool)
	for _, id := range append([]int64{req.SceneryID}, req.SceneryIDs...) {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		h.badRequest(w, "scenery_id is required")
		return
	}

	// a single scenery reports its failure through the status code
	if len(ids) == 1 {
		scenery, err := h.catalog.Scenery(r.Context(), ids[0])
		if err != nil {
			h.writeError(w, err)
			return
		}
		task, err := h.worker.Enqueue(withAirport(scenery))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusAccepted, submitResponse{Tasks: []models.DownloadTask{task}})
		return
	}

	sceneries, failed, err := h.catalog.Prefetch(r.Context(), ids)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := submitResponse{Tasks: []models.DownloadTask{}, Errors: make(map[int64]string)}
	for id, ferr := range failed {
		resp.Errors[id] = ferr.Error()
	}
	for _, id := range ids {
		scenery, ok := sceneries[id]
		if !ok {
			continue
		}

		task, err := h.worker.Enqueue(withAirport(scenery))
		if err != nil {
			resp.Errors[id] = err.Error()
			continue
		}
		resp.Tasks = append(resp.Tasks, task)
	}

	h.logger.Info("Downloads submitted", "queued", len(resp.Tasks), "failed", len(resp.Errors))
	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListDownloads returns every task the queue knows about in submission order
func (h *Handlers) ListDownloads(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, struct {
		Tasks          []models.DownloadTask `json:"tasks"`
		WaitingForRoot bool                  `json:"waiting_for_root"`
	}{
		Tasks:          h.worker.Tasks(),
		WaitingForRoot: h.worker.WaitingForRoot(),
	})
}

// CancelDownload cancels a queued or downloading task
func (h *Handlers) CancelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.worker.Cancel(id); err != nil {
		h.writeError(w, err)
		return
	}

	task, _ := h.worker.Task(id)
	h.writeJSON(w, http.StatusOK, task)
}

// ActivateDownload registers the files of a partially installed task
func (h *Handlers) ActivateDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.worker.ActivatePartial(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	task, _ := h.worker.Task(id)
	h.writeJSON(w, http.StatusOK, task)
}

// DiscardDownload deletes the files of a partially installed task
func (h *Handlers) DiscardDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.worker.DiscardPartial(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	task, _ := h.worker.Task(id)
	h.writeJSON(w, http.StatusOK, task)
}

// ClearFinished forgets finished tasks
func (h *Handlers) ClearFinished(w http.ResponseWriter, r *http.Request) {
	cleared := h.worker.ClearFinished()
	h.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// ListInstalled returns installed sceneries, optionally for one airport
func (h *Handlers) ListInstalled(w http.ResponseWriter, r *http.Request) {
	var recs []*models.InstalledScenery
	if code := r.URL.Query().Get("icao"); code != "" {
		icao, err := models.NormalizeICAO(code)
		if err != nil {
			h.badRequest(w, err.Error())
			return
		}
		recs = h.installed.ForAirport(icao)
	} else {
		recs = h.installed.List()
	}
	if recs == nil {
		recs = []*models.InstalledScenery{}
	}

	h.writeJSON(w, http.StatusOK, recs)
}

// Uninstall removes an installed scenery's files, manifest entry and record
func (h *Handlers) Uninstall(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}

	if err := h.worker.Uninstall(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Scenery uninstalled via API", "scenery_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// History searches archived tasks. Query parameters: q, state (repeatable),
// sort (asc|desc), limit and offset.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.badRequest(w, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	var states []string
	for _, s := range q["state"] {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				states = append(states, part)
			}
		}
	}

	entries, err := h.db.SearchHistory(q.Get("q"), states, q.Get("sort"), limit, offset)
	if err != nil {
		h.logger.Error("Failed to search history", "error", err)
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.HistoryEntry{}
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// HistoryStats counts archived tasks by final state
func (h *Handlers) HistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetHistoryStats()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type simulatorResponse struct {
	Root           *simulator.Root  `json:"root,omitempty"`
	WaitingForRoot bool             `json:"waiting_for_root"`
	Installations  []simulator.Root `json:"installations"`
}

// GetSimulator reports the simulator root in use and the installations found
func (h *Handlers) GetSimulator(w http.ResponseWriter, r *http.Request) {
	resp := simulatorResponse{
		WaitingForRoot: h.worker.WaitingForRoot(),
		Installations:  []simulator.Root{},
	}
	if root, ok := h.worker.Root(); ok {
		resp.Root = &root
	}
	if h.installations != nil {
		if found := h.installations(); found != nil {
			resp.Installations = found
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// SetSimulator points the queue at a simulator installation chosen by hand
func (h *Handlers) SetSimulator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}
	if req.Path == "" {
		h.badRequest(w, "path is required")
		return
	}

	root, err := h.worker.SetRoot(req.Path)
	if err != nil {
		h.logger.Warn("Rejected simulator path", "path", req.Path, "error", err)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, root)
}

// BrowseFolders lists directories so a simulator path can be picked by hand
func (h *Handlers) BrowseFolders(w http.ResponseWriter, r *http.Request) {
	if h.browser == nil {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "folder browsing is disabled"})
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}

	directories, err := h.browser.ListDirectories(path)
	if err != nil {
		h.logger.Error("Failed to list directories", "error", err, "path", path, "basePath", h.browser.BasePath)
		h.badRequest(w, "Failed to list directories: "+err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, struct {
		Directories []simulator.DirectoryInfo `json:"directories"`
		Breadcrumbs []simulator.Breadcrumb    `json:"breadcrumbs"`
		CurrentPath string                    `json:"current_path"`
		BasePath    string                    `json:"base_path"`
	}{
		Directories: directories,
		Breadcrumbs: h.browser.Breadcrumbs(path),
		CurrentPath: path,
		BasePath:    h.browser.BasePath,
	})
}
