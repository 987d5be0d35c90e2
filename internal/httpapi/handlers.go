package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"modeshift/internal/modes"
	"modeshift/internal/settings"
	"modeshift/internal/toggle"
	"modeshift/internal/weekly"
	logx "modeshift/pkg/logx"
)

const maxBody = 1 << 20

type modeRequest struct {
	Name          string             `json:"name" validate:"required,max=64"`
	Icon          string             `json:"icon" validate:"omitempty,max=64"`
	Enabled       bool               `json:"enabled"`
	ScheduledTime *weekly.TimeOfDay  `json:"scheduled_time"`
	ScheduleDays  *weekly.Mask       `json:"schedule_days"`
	Settings      []settings.Setting `json:"settings" validate:"dive"`
}

func (r modeRequest) mode(id string) modes.Mode {
	return modes.Mode{
		ID:            id,
		Name:          strings.TrimSpace(r.Name),
		Icon:          r.Icon,
		Enabled:       r.Enabled,
		ScheduledTime: r.ScheduledTime,
		ScheduleDays:  r.ScheduleDays,
		Settings:      r.Settings,
	}
}

type modeResponse struct {
	modes.Mode
	NextRun   *time.Time `json:"next_run,omitempty"`
	NextHuman string     `json:"next_run_human,omitempty"`
}

type toggleRequest struct {
	Mask    *weekly.Mask `json:"mask"`
	Default string       `json:"default" validate:"omitempty,oneof=adaptive limited"`
}

func (a *api) modeResponse(m modes.Mode) modeResponse {
	resp := modeResponse{Mode: m}
	if at, ok := a.Modes.NextRun(m.ID); ok {
		resp.NextRun = &at
		resp.NextHuman = humanize.RelTime(at, a.Now(), "ago", "from now")
	}
	return resp
}

func (a *api) listModes(w http.ResponseWriter, r *http.Request) {
	list, err := a.Modes.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]modeResponse, 0, len(list))
	for _, m := range list {
		out = append(out, a.modeResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getMode(w http.ResponseWriter, r *http.Request) {
	m, err := a.Modes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.modeResponse(m))
}

func (a *api) createMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !a.decode(w, r, &req) {
		return
	}
	m, _, err := a.Modes.Save(r.Context(), req.mode(""))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/modes/"+m.ID)
	writeJSON(w, http.StatusCreated, a.modeResponse(m))
}

func (a *api) updateMode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Modes.Get(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	var req modeRequest
	if !a.decode(w, r, &req) {
		return
	}
	m, _, err := a.Modes.Save(r.Context(), req.mode(id))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.modeResponse(m))
}

func (a *api) deleteMode(w http.ResponseWriter, r *http.Request) {
	if err := a.Modes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) nextRun(w http.ResponseWriter, r *http.Request) {
	m, err := a.Modes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := map[string]any{"id": m.ID, "scheduled": false}
	if at, ok := a.Modes.NextRun(m.ID); ok {
		resp["scheduled"] = true
		resp["next_run"] = at
		resp["in"] = humanize.RelTime(at, a.Now(), "ago", "from now")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) getToggle(w http.ResponseWriter, r *http.Request) {
	st, err := a.Toggle.State(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) putToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Mask == nil && req.Default == "" {
		writeError(w, http.StatusBadRequest, "mask or default is required")
		return
	}
	ctx := r.Context()
	var st toggle.State
	var err error
	if req.Default != "" {
		def, _ := toggle.ParseChargingState(req.Default)
		if st, err = a.Toggle.SetDefault(ctx, def); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.Mask != nil {
		if st, err = a.Toggle.SetMask(ctx, *req.Mask); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) runToggle(w http.ResponseWriter, r *http.Request) {
	res, err := a.Toggle.Fire(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) settingsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := settings.Snapshot(r.Context(), a.Gateway)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"time":    a.Now(),
		"granted": a.Gateway != nil && a.Gateway.Granted(r.Context()),
	}
	if a.Status != nil {
		resp["scheduler"] = a.Status.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a strict JSON body and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	if err := a.Validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// fail maps domain errors to status codes.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var ae *settings.ApplyError
	switch {
	case errors.Is(err, modes.ErrModeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, modes.ErrInvalidMode), weekly.IsInvalidSchedule(err), errors.Is(err, settings.ErrNamespaceInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, settings.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, toggle.ErrUnknownState):
		status = http.StatusConflict
	case errors.As(err, &ae):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		a.log.Warn("http request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
