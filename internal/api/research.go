package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
)

// StartRunRequest is the body of POST /research.
type StartRunRequest struct {
	Topic       string `json:"topic"`
	MaxAnalysts *int   `json:"max_analysts,omitempty"`
	Template    string `json:"template,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
}

// FeedbackRequest is the body of POST /research/{id}/feedback. Empty
// feedback accepts the panel.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// AcceptedResponse acknowledges a step that continues in the background.
type AcceptedResponse struct {
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
	Events   string `json:"events"`
	Run      string `json:"run"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// ReportResponse is the JSON form of a finished report.
type ReportResponse struct {
	ThreadID string `json:"thread_id"`
	Topic    string `json:"topic"`
	Report   string `json:"report"`
}

func threadParam(r *http.Request) core.ThreadID {
	return core.ThreadID(chi.URLParam(r, "threadID"))
}

// wantsWait reports whether the client asked to block until the step ends.
func wantsWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return core.ErrValidation(core.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// handleListRuns returns every stored run, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.researcher.List(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []core.ThreadSummary{}
	}
	s.respondJSON(w, http.StatusOK, runs)
}

// handleStartRun creates the analyst panel for a new run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if err := decodeBody(r, &body); err != nil {
		s.respondDomainError(w, err)
		return
	}

	req := research.StartRequest{
		Topic:       body.Topic,
		MaxAnalysts: core.DefaultMaxAnalysts,
		Template:    body.Template,
		ThreadID:    core.ThreadID(strings.TrimSpace(body.ThreadID)),
	}
	if body.MaxAnalysts != nil {
		req.MaxAnalysts = *body.MaxAnalysts
	}
	if err := req.Validate(); err != nil {
		s.respondDomainError(w, err)
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = core.ThreadID(uuid.NewString())
	} else if _, err := s.researcher.Get(r.Context(), req.ThreadID); err == nil {
		s.respondDomainError(w, core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("thread %s already exists", req.ThreadID)))
		return
	} else if !isNotFound(err) {
		s.respondDomainError(w, err)
		return
	}

	s.execute(w, r, req.ThreadID, "start", http.StatusCreated, func(ctx context.Context) (*research.Run, error) {
		return s.researcher.Start(ctx, req)
	})
}

// handleGetRun returns the current view of a run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.researcher.Get(r.Context(), threadParam(r))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// handleFeedback regenerates the panel, or proceeds when feedback is empty.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body FeedbackRequest
	if err := decodeBody(r, &body); err != nil {
		s.respondDomainError(w, err)
		return
	}
	thread := threadParam(r)
	if err := s.requireAwaitingFeedback(r.Context(), thread); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.execute(w, r, thread, "feedback", http.StatusOK, func(ctx context.Context) (*research.Run, error) {
		return s.researcher.Feedback(ctx, thread, body.Feedback)
	})
}

// handleProceed accepts the panel and writes the report.
func (s *Server) handleProceed(w http.ResponseWriter, r *http.Request) {
	thread := threadParam(r)
	if err := s.requireAwaitingFeedback(r.Context(), thread); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.execute(w, r, thread, "proceed", http.StatusOK, func(ctx context.Context) (*research.Run, error) {
		return s.researcher.Proceed(ctx, thread)
	})
}

// handleResume re-attempts a failed run from its last committed step.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	thread := threadParam(r)
	run, err := s.researcher.Get(r.Context(), thread)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	switch {
	case run.Status == core.RunStatusCompleted:
		s.respondJSON(w, http.StatusOK, run)
		return
	case run.AwaitingFeedback:
		s.respondDomainError(w, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("thread %s is awaiting feedback; proceed or send feedback", thread)))
		return
	}
	s.execute(w, r, thread, "resume", http.StatusOK, func(ctx context.Context) (*research.Run, error) {
		return s.researcher.Resume(ctx, thread)
	})
}

// handleCancel stops the thread's background step. The run is recorded
// as failed at its last committed step and can be resumed.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	thread := threadParam(r)
	if s.runner.cancel(thread) {
		s.logger.Info("background step cancelled", "thread_id", string(thread))
		s.respondJSON(w, http.StatusAccepted, CancelResponse{ThreadID: string(thread), Status: "cancelling"})
		return
	}
	run, err := s.researcher.Get(r.Context(), thread)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondDomainError(w, core.ErrConflict(core.CodeInvalidState,
		fmt.Sprintf("thread %s has no step in progress (status %s)", thread, run.Status)))
}

// handleGetReport returns the final report as markdown, or as JSON with
// ?format=json.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	run, err := s.researcher.Get(r.Context(), threadParam(r))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if run.Status != core.RunStatusCompleted {
		s.respondJSON(w, http.StatusConflict, errorResponse{
			Error: fmt.Sprintf("report not ready (status %s)", run.Status),
			Code:  "REPORT_NOT_READY",
		})
		return
	}

	if r.URL.Query().Get("format") == "json" {
		s.respondJSON(w, http.StatusOK, ReportResponse{
			ThreadID: string(run.ThreadID),
			Topic:    run.Topic,
			Report:   run.FinalReport,
		})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(run.FinalReport)); err != nil {
		s.logger.Warn("writing report", "error", err)
	}
}

// handleGetInterview returns one analyst's checkpointed interview.
func (s *Server) handleGetInterview(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.respondError(w, http.StatusBadRequest, "interview index must be a non-negative integer")
		return
	}
	iv, err := s.researcher.Interview(r.Context(), threadParam(r), index)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, iv)
}

func (s *Server) requireAwaitingFeedback(ctx context.Context, thread core.ThreadID) error {
	run, err := s.researcher.Get(ctx, thread)
	if err != nil {
		return err
	}
	if !run.AwaitingFeedback {
		return core.ErrState(core.CodeNotInterrupted,
			fmt.Sprintf("thread %s is not awaiting feedback (status %s)", thread, run.Status))
	}
	return nil
}

// execute runs one step either inline (?wait=true) or in the background,
// answering 202 with the links to follow it.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, thread core.ThreadID, op string, okStatus int,
	step func(ctx context.Context) (*research.Run, error)) {
	if s.runner.busy(thread) {
		s.respondDomainError(w, core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("thread %s has a step in progress", thread)))
		return
	}

	if wantsWait(r) {
		run, err := step(r.Context())
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, okStatus, run)
		return
	}

	launched := s.runner.launch(thread, op, func(ctx context.Context) error {
		_, err := step(ctx)
		return err
	})
	if !launched {
		s.respondDomainError(w, core.ErrConflict(core.CodeInvalidState,
			fmt.Sprintf("thread %s has a step in progress", thread)))
		return
	}
	base := "/api/v1/research/" + string(thread)
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{
		ThreadID: string(thread),
		Status:   string(core.RunStatusRunning),
		Events:   base + "/events",
		Run:      base,
	})
}

// isNotFound reports whether err is a missing-thread error.
func isNotFound(err error) bool {
	var domErr *core.DomainError
	return errors.As(err, &domErr) && domErr.Category == core.ErrCatNotFound
}
