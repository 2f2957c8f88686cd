package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	q := store.ListRunsQuery{
		Project: strings.TrimSpace(r.URL.Query().Get("project")),
		Status:  types.RunStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:   parseInt(r.URL.Query().Get("limit"), 50),
		Offset:  parseInt(r.URL.Query().Get("offset"), 0),
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]types.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunSubresources(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"))
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("run id is required"))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	runID := parts[0]
	if len(parts) == 1 {
		s.handleRunDetail(w, r, runID)
		return
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported run endpoint"))
		return
	}

	switch parts[1] {
	case "metrics":
		points, err := s.cfg.Store.ListMetrics(r.Context(), runID, strings.TrimSpace(r.URL.Query().Get("name")))
		if err != nil {
			writeError(w, storeStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, points)
	case "stream":
		s.handleSSE(w, r, runID)
	case "ws":
		s.handleWebsocket(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported run endpoint"))
	}
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.cfg.Store.LoadRun(r.Context(), runID)
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	points, err := s.cfg.Store.ListMetrics(r.Context(), runID, "")
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.RunDetail{
		RunSummary: run.Summary(),
		Metrics:    store.Summarize(points),
	})
}
