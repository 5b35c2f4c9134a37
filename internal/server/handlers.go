package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkoppel/testrig/internal/metrics"
	"github.com/mkoppel/testrig/internal/model"
	"github.com/mkoppel/testrig/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── executions ────────────────────────────────────────────────────────────

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req model.CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if (req.PlanID == "") == (req.ScriptID == "") {
		http.Error(w, "exactly one of plan_id or script_id is required", http.StatusBadRequest)
		return
	}

	var (
		exec *model.Execution
		err  error
	)
	if req.PlanID != "" {
		exec, err = s.store.LaunchPlan(r.Context(), req.PlanID, req.ExecutionMode, req.Owner)
	} else {
		exec, err = s.store.LaunchScript(r.Context(), req.ScriptID, req.Variables, req.Owner)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.dispatcher.Wake()
	s.log.Info("execution created",
		"execution_id", exec.ID, "display_id", exec.DisplayID, "kind", exec.Kind)
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	list, err := s.store.ListExecutions(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type executionDetail struct {
	*model.Execution
	Children []*model.Execution `json:"children,omitempty"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	detail := executionDetail{Execution: exec}
	if exec.Kind == model.KindPlan {
		if detail.Children, err = s.store.ChildExecutions(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.stopper.Stop(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatusCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusCheckResponse{
		Status:  exec.State,
		IsValid: exec.State == model.ExecutionRunning,
	})
}

// ── dispatch controls ─────────────────────────────────────────────────────

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Wake()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.RequeueTask(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.dispatcher.Wake()
	s.log.Info("task requeued", "task_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// ── workers ───────────────────────────────────────────────────────────────

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	online := 0
	now := time.Now()
	for _, wk := range workers {
		if wk.Online(now) {
			online++
		}
	}
	metrics.WorkersOnline.Set(float64(online))
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExecutorUUID == "" || req.ExecutorName == "" {
		http.Error(w, "executor_uuid and executor_name are required", http.StatusBadRequest)
		return
	}

	worker, err := s.store.RegisterWorker(r.Context(), &req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("worker registered",
		"worker_id", worker.ID, "name", worker.Name, "platform", worker.Platform)
	writeJSON(w, http.StatusOK, model.RegisterResponse{ExecutorID: worker.ID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req model.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExecutorUUID == "" {
		http.Error(w, "executor_uuid is required", http.StatusBadRequest)
		return
	}

	worker, err := s.store.HeartbeatWorker(r.Context(), &req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	pending, err := s.store.AssignedTaskCount(r.Context(), worker.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.HeartbeatResponse{
		ServerTime:   time.Now().UTC(),
		PendingTasks: pending,
	})
}

// ── task callbacks ────────────────────────────────────────────────────────

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.MarkTaskRunning(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var report model.TaskResultReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch report.Status {
	case model.ResultCompleted, model.ResultFailed, model.ResultCancelled:
	default:
		http.Error(w, fmt.Sprintf("unknown status %q", report.Status), http.StatusBadRequest)
		return
	}

	app, err := s.store.ApplyResult(r.Context(), id, &report)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if app.Applied {
		metrics.TasksCompleted.WithLabelValues(string(report.Status)).Inc()
		s.log.Info("task result applied",
			"task_id", id, "execution_id", app.ExecutionID, "status", report.Status)
		if app.ParentExecution != "" {
			if _, err := s.aggregator.ChildFinished(r.Context(), app.ParentExecution); err != nil {
				s.log.Error("plan aggregation failed",
					"execution_id", app.ParentExecution, "error", err)
			}
		}
		// A finished sequential member may unblock its successor.
		s.dispatcher.Wake()
	} else {
		s.log.Info("duplicate task result ignored", "task_id", id)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "applied": app.Applied})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req model.ScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	data, err := decodeImageData(req.ImageData)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	name := fmt.Sprintf("%s_%d.png", id, time.Now().UnixNano())
	if req.IsFailure {
		name = fmt.Sprintf("%s_%d_failure.png", id, time.Now().UnixNano())
	}
	rel := filepath.Join("screenshots", task.ExecutionID, name)
	full := filepath.Join(s.mediaRoot, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		http.Error(w, "store screenshot", http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		http.Error(w, "store screenshot", http.StatusInternalServerError)
		return
	}

	if err := s.store.AttachScreenshot(r.Context(), id, rel); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ScreenshotResponse{Path: rel})
}

// decodeImageData accepts raw base64 or a data-url.
func decodeImageData(v string) ([]byte, error) {
	if v == "" {
		return nil, errors.New("image_data is required")
	}
	if idx := strings.IndexByte(v, ','); idx >= 0 && strings.HasPrefix(v, "data:") {
		v = v[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return data, nil
}

// ── helpers ───────────────────────────────────────────────────────────────

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
