package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/internal/types"
)

// validCommands is the set of commands routeCommand dispatches.
var validCommands = map[string]bool{
	types.CmdEnableCopy:          true,
	types.CmdGetStatus:           true,
	types.CmdGetSettings:         true,
	types.CmdUpdateSettings:      true,
	types.CmdAddToWhitelist:      true,
	types.CmdRemoveFromWhitelist: true,
	types.CmdGetCurrentTabState:  true,
	types.CmdGetStats:            true,
	types.CmdExportSettings:      true,
	types.CmdImportSettings:      true,
	types.CmdTabOpen:             true,
	types.CmdTabClose:            true,
	types.CmdTabList:             true,
}

// routeCommand validates a request and dispatches it to its handler.
func (h *Handler) routeCommand(w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time) {
	if !validCommands[req.Cmd] {
		h.fail(w, "unknown", fmt.Errorf("%w: %q", types.ErrInvalidCommand, req.Cmd), startTime)
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(w, req.Cmd, err, startTime)
		return
	}
	if req.TabID != "" {
		if msg := security.ValidateTabID(req.TabID); msg != "" {
			h.fail(w, req.Cmd, errors.New(msg), startTime)
			return
		}
	}

	ctx := r.Context()
	var (
		resp types.Response
		err  error
	)
	switch req.Cmd {
	case types.CmdEnableCopy:
		resp, err = h.handleEnableCopy(ctx, req)
	case types.CmdGetStatus:
		resp, err = h.handleGetStatus(req)
	case types.CmdGetSettings:
		resp, err = h.handleGetSettings()
	case types.CmdUpdateSettings:
		resp, err = h.handleUpdateSettings(ctx, req)
	case types.CmdAddToWhitelist:
		resp, err = h.handleAddToWhitelist(ctx, req)
	case types.CmdRemoveFromWhitelist:
		resp, err = h.handleRemoveFromWhitelist(ctx, req)
	case types.CmdGetCurrentTabState:
		resp, err = h.handleCurrentTabState(req)
	case types.CmdGetStats:
		resp, err = h.handleGetStats(req)
	case types.CmdExportSettings:
		resp, err = h.handleExportSettings()
	case types.CmdImportSettings:
		resp, err = h.handleImportSettings(ctx, req)
	case types.CmdTabOpen:
		resp, err = h.handleTabOpen(ctx, req)
	case types.CmdTabClose:
		resp, err = h.handleTabClose(req)
	case types.CmdTabList:
		resp, err = h.handleTabList()
	}

	if err != nil {
		h.fail(w, req.Cmd, err, startTime)
		return
	}
	h.writeSuccess(w, req.Cmd, resp, startTime)
}

// fail logs and writes err as an error envelope.
func (h *Handler) fail(w http.ResponseWriter, cmd string, err error, startTime time.Time) {
	ev := log.Warn()
	var malformed *types.MalformedInputError
	if errors.As(err, &malformed) || errors.Is(err, types.ErrTabNotFound) {
		ev = log.Debug()
	}
	ev.Err(err).Str("cmd", cmd).Msg("Command failed")

	metrics.RecordRequest(cmd, types.StatusError, time.Since(startTime))
	h.writeError(w, err.Error(), startTime)
}
