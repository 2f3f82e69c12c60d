package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"catalogd/internal/task/engine"
	"catalogd/internal/task/scheduler"
)

type runNowRequest struct {
	JobName string `json:"jobName"`
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req runNowRequest
	if err := decode(r, &req); err != nil {
		s.failErr(w, r, err)
		return
	}
	name := strings.TrimSpace(req.JobName)
	if name == "" {
		s.failErr(w, r, errors.Wrap(scheduler.ErrInvalidSchedule, "jobName is required"))
		return
	}
	// A client that hangs up does not abort the run.
	if err := s.deps.Registry.RunNow(context.WithoutCancel(r.Context()), name); err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "Job '"+name+"' executed successfully", nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Registry.Status(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "", st)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Registry.StartAll(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "All cron jobs started", map[string]int{"live": n})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Registry.StopAll()
	ok(w, "All cron jobs stopped", map[string]int{"stopped": n})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Registry.ListSchedules(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "", recs)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Registry.InitializeDefaults(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	ok(w, "Default schedules initialized", map[string][]string{"created": names})
}

func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.ScheduleInput
	if err := decode(r, &in); err != nil {
		s.failErr(w, r, err)
		return
	}
	// The path names the job; a body jobName is ignored.
	in.JobName = r.PathValue("jobName")
	rec, err := s.deps.Registry.UpsertSchedule(r.Context(), in)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "Schedule updated", rec)
}

type toggleRequest struct {
	IsActive *bool `json:"isActive"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		s.failErr(w, r, err)
		return
	}
	if req.IsActive == nil {
		s.failErr(w, r, errors.Wrap(scheduler.ErrInvalidSchedule, "isActive is required"))
		return
	}
	rec, err := s.deps.Registry.ToggleActive(r.Context(), r.PathValue("jobName"), *req.IsActive)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	msg := "Schedule deactivated"
	if rec.IsActive {
		msg = "Schedule activated"
	}
	ok(w, msg, rec)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.DeleteSchedule(r.Context(), r.PathValue("jobName")); err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "Schedule deleted", nil)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		ok(w, "", []engine.HistoryItem{})
		return
	}
	h := s.deps.Runs.History()
	// Newest first, optionally filtered by job.
	job := strings.TrimSpace(r.URL.Query().Get("job"))
	out := make([]engine.HistoryItem, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		if job != "" && h[i].Name != job {
			continue
		}
		out = append(out, h[i])
	}
	ok(w, "", out)
}
