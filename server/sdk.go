package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlflare/mlflare-go/observe"
	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req types.InitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Project = strings.TrimSpace(req.Project)
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project is required"))
		return
	}

	now := time.Now().UTC()
	rec := store.RunRecord{
		RunID:        uuid.NewString(),
		ExperimentID: uuid.NewString(),
		Project:      req.Project,
		Status:       types.StatusRunning,
		Config:       req.Config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.cfg.Store.CreateRun(r.Context(), rec); err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	observe.Emit(r.Context(), s.cfg.Observer, observe.Event{
		Kind:    observe.KindRun,
		Status:  observe.StatusStarted,
		Name:    "init",
		RunID:   rec.RunID,
		Project: rec.Project,
	})
	writeJSON(w, http.StatusOK, types.InitResponse{RunID: rec.RunID, ExperimentID: rec.ExperimentID})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req types.LogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run_id is required"))
		return
	}

	if err := s.cfg.Store.AppendMetrics(r.Context(), req.RunID, req.Step, req.Metrics, time.Now().UTC()); err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	step := req.Step
	s.stream.publish(types.StreamMessage{
		Type:    types.StreamMetrics,
		RunID:   req.RunID,
		Step:    &step,
		Metrics: req.Metrics,
	})
	observe.Emit(r.Context(), s.cfg.Observer, observe.Event{
		Kind:       observe.KindMetrics,
		Status:     observe.StatusCompleted,
		RunID:      req.RunID,
		Step:       observe.StepPtr(step),
		Attributes: map[string]any{"metrics": len(req.Metrics)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req types.FinishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run_id is required"))
		return
	}
	status := types.StatusCompleted
	if req.Status == types.StatusFailed {
		status = types.StatusFailed
	}

	rec, err := s.cfg.Store.FinishRun(r.Context(), req.RunID, status, time.Now().UTC())
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	s.stream.publish(types.StreamMessage{Type: types.StreamDone, RunID: rec.RunID, Status: rec.Status})

	event := observe.Event{
		Kind:    observe.KindRun,
		Status:  observe.StatusCompleted,
		Name:    "finish",
		RunID:   rec.RunID,
		Project: rec.Project,
	}
	if status == types.StatusFailed {
		event.Status = observe.StatusFailed
	}
	observe.Emit(r.Context(), s.cfg.Observer, event)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
