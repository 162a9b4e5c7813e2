// Package handlers provides the HTTP handlers for the copyguard API.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/report"
	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/internal/types"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// maxBodySize bounds request bodies. IMPORT_SETTINGS payloads are the
// largest legitimate requests.
const maxBodySize = 1 << 20

// Tabs is the tab side of the API.
type Tabs interface {
	Open(ctx context.Context, rawURL string) (types.TabInfo, error)
	Close(tabID string) error
	List() []types.TabInfo
	EnableCopy(ctx context.Context, tabID string) (types.BypassResult, error)
	Status(tabID string) (types.DetectionResult, string, error)
}

// Coordinator is the background state the API reads and the whitelist
// mutations that notify.
type Coordinator interface {
	CurrentTabState(tabID string) (types.DomainState, bool)
	Report() types.StatsReport
	AddToWhitelist(ctx context.Context, raw string) (string, error)
	RemoveFromWhitelist(ctx context.Context, raw string) (string, error)
}

// Settings is the settings service.
type Settings interface {
	Get() types.Settings
	Update(ctx context.Context, patch types.SettingsPatch) (types.Settings, error)
	Export() types.SettingsExport
	Import(ctx context.Context, payload []byte) (types.Settings, error)
}

// PatternStats reports the active pattern registry's load state.
type PatternStats interface {
	Stats() patterns.ReloadStats
}

// Handler handles all copyguard API requests.
type Handler struct {
	config   *config.Config
	tabs     Tabs
	coord    Coordinator
	settings Settings
	patterns PatternStats
}

// New creates a new Handler. patterns may be nil.
func New(cfg *config.Config, tabs Tabs, coord Coordinator, settings Settings, pats PatternStats) *Handler {
	return &Handler{
		config:   cfg,
		tabs:     tabs,
		coord:    coord,
		settings: settings,
		patterns: pats,
	}
}

// ServeHTTP routes /health, /patterns and the /v1 command endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.URL.Path {
	case "/health":
		h.handleHealth(w, startTime)
		return
	case "/patterns":
		h.handlePatterns(w, startTime)
		return
	case "/", "/v1":
	default:
		h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", startTime)
		return
	}

	if r.Method != http.MethodPost {
		h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, "Invalid JSON request", startTime)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Str("tab_id", req.TabID).
		Msg("Request received")

	h.routeCommand(w, r, &req, startTime)
}

func (h *Handler) handleHealth(w http.ResponseWriter, startTime time.Time) {
	resp := base(startTime)
	resp.Message = "Copyguard is ready"
	h.writeJSONResponse(w, http.StatusOK, resp)
}

type patternsResponse struct {
	Status   string               `json:"status"`
	Version  string               `json:"version"`
	Patterns patterns.ReloadStats `json:"patterns"`
}

func (h *Handler) handlePatterns(w http.ResponseWriter, startTime time.Time) {
	if h.patterns == nil {
		h.writeErrorWithStatus(w, http.StatusNotFound, "Pattern statistics unavailable", startTime)
		return
	}
	stats := h.patterns.Stats()
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	h.writeJSONResponse(w, http.StatusOK, patternsResponse{
		Status:   types.StatusOK,
		Version:  version.Full(),
		Patterns: stats,
	})
}

// timeout returns the per-request deadline for commands that drive a page.
func (h *Handler) timeout(req *types.Request) time.Duration {
	timeout := h.config.DefaultTimeout
	if req.MaxTimeout > 0 {
		timeout = time.Duration(req.MaxTimeout) * time.Millisecond
		if h.config.MaxTimeout > 0 && timeout > h.config.MaxTimeout {
			timeout = h.config.MaxTimeout
		}
	}
	return timeout
}

func (h *Handler) handleEnableCopy(ctx context.Context, req *types.Request) (types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout(req))
	defer cancel()

	res, err := h.tabs.EnableCopy(ctx, req.TabID)
	if err != nil {
		return types.Response{}, err
	}
	ok := res.Failures == 0
	return types.Response{
		Message: "Copy restrictions removed",
		TabID:   req.TabID,
		Success: &ok,
		Bypass:  &res,
	}, nil
}

func (h *Handler) handleGetStatus(req *types.Request) (types.Response, error) {
	res, state, err := h.tabs.Status(req.TabID)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{
		Message:  "Detection status retrieved",
		TabID:    req.TabID,
		Results:  &res,
		Detector: state,
	}, nil
}

func (h *Handler) handleGetSettings() (types.Response, error) {
	s := h.settings.Get()
	return types.Response{Message: "Settings retrieved", Settings: &s}, nil
}

func (h *Handler) handleUpdateSettings(ctx context.Context, req *types.Request) (types.Response, error) {
	s, err := h.settings.Update(ctx, *req.Settings)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Settings updated", Settings: &s}, nil
}

func (h *Handler) handleAddToWhitelist(ctx context.Context, req *types.Request) (types.Response, error) {
	d, err := h.coord.AddToWhitelist(ctx, req.Domain)
	if err != nil {
		return types.Response{}, err
	}
	ok := true
	return types.Response{Message: "Domain whitelisted", Success: &ok, Domain: d}, nil
}

func (h *Handler) handleRemoveFromWhitelist(ctx context.Context, req *types.Request) (types.Response, error) {
	d, err := h.coord.RemoveFromWhitelist(ctx, req.Domain)
	if err != nil {
		return types.Response{}, err
	}
	ok := true
	return types.Response{Message: "Domain removed from whitelist", Success: &ok, Domain: d}, nil
}

// handleCurrentTabState returns the last stored result for the tab's domain.
// Results is omitted when nothing is known yet.
func (h *Handler) handleCurrentTabState(req *types.Request) (types.Response, error) {
	resp := types.Response{Message: "No state recorded for tab", TabID: req.TabID}
	if st, ok := h.coord.CurrentTabState(req.TabID); ok {
		res := st.Results
		resp.Message = "Tab state retrieved"
		resp.Domain = st.DomainKey
		resp.Results = &res
	}
	return resp, nil
}

func (h *Handler) handleGetStats(req *types.Request) (types.Response, error) {
	rep := h.coord.Report()
	resp := types.Response{Message: "Statistics report generated", Stats: &rep}
	if req.Format == types.FormatMarkdown {
		md, err := report.Markdown(rep)
		if err != nil {
			return types.Response{}, err
		}
		resp.Markdown = md
	}
	return resp, nil
}

func (h *Handler) handleExportSettings() (types.Response, error) {
	exp := h.settings.Export()
	return types.Response{Message: "Settings exported", Export: &exp}, nil
}

func (h *Handler) handleImportSettings(ctx context.Context, req *types.Request) (types.Response, error) {
	s, err := h.settings.Import(ctx, req.Payload)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Settings imported", Settings: &s}, nil
}

func (h *Handler) handleTabOpen(ctx context.Context, req *types.Request) (types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout(req))
	defer cancel()

	info, err := h.tabs.Open(ctx, req.URL)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Tab opened", TabID: info.ID, Tab: &info}, nil
}

func (h *Handler) handleTabClose(req *types.Request) (types.Response, error) {
	if err := h.tabs.Close(req.TabID); err != nil {
		return types.Response{}, err
	}
	return types.Response{Message: "Tab closed", TabID: req.TabID}, nil
}

func (h *Handler) handleTabList() (types.Response, error) {
	tabs := h.tabs.List()
	if tabs == nil {
		tabs = []types.TabInfo{}
	}
	return types.Response{Message: "Tab list retrieved", Tabs: tabs}, nil
}

// base returns an ok envelope stamped with startTime.
func base(startTime time.Time) types.Response {
	return types.Response{
		Status:    types.StatusOK,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
}

func (h *Handler) writeSuccess(w http.ResponseWriter, cmd string, resp types.Response, startTime time.Time) {
	resp.Status = types.StatusOK
	resp.StartTime = startTime.UnixMilli()
	resp.EndTime = time.Now().UnixMilli()
	resp.Version = version.Full()
	metrics.RecordRequest(cmd, types.StatusOK, time.Since(startTime))
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// writeError writes an error envelope with HTTP 200; clients read the
// outcome from the status field.
func (h *Handler) writeError(w http.ResponseWriter, message string, startTime time.Time) {
	h.writeErrorWithStatus(w, http.StatusOK, message, startTime)
}

func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := base(startTime)
	resp.Status = types.StatusError
	resp.Message = message
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse encodes into a buffer first so an encoding failure never
// leaves a partial body.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
