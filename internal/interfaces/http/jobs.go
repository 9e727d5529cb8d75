package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/jobs"
	"github.com/sawpanic/stratlab/internal/optimize"
	"github.com/sawpanic/stratlab/internal/persistence"
)

const streamWriteTimeout = 10 * time.Second

// enqueue submits fn and answers 202 with the pending job
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, kind, strategy string, fn jobs.Func) {
	job, err := s.deps.Jobs.Submit(kind, strategy, fn)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "jobs_unavailable", err.Error())
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, job)
}

// progress adapts job updates to the done/total callbacks of the lab
func progress(report func(jobs.Update)) func(done, total int) {
	return func(done, total int) {
		report(jobs.Update{Done: done, Total: total})
	}
}

// optimizeProgress also carries the best fitness so far
func optimizeProgress(report func(jobs.Update)) func(optimize.Progress) {
	return func(p optimize.Progress) {
		best := p.BestFitness
		report(jobs.Update{Done: p.Generation, Total: p.Generations, BestFitness: &best})
	}
}

// precheck rejects unknown strategies and malformed candles before a job
// is queued
func (s *Server) precheck(w http.ResponseWriter, r *http.Request, strategy string, candles []domain.Candle) bool {
	if !s.knownStrategy(w, r, strategy) {
		return false
	}
	if err := domain.ValidateCandles(candles); err != nil {
		s.writeFailure(w, r, err)
		return false
	}
	return true
}

func (s *Server) submitOptimize(w http.ResponseWriter, r *http.Request) {
	var req application.OptimizeRequest
	if !s.decode(w, r, &req) || !s.precheck(w, r, req.Strategy, req.Candles) {
		return
	}
	if req.Optimizer != nil {
		if err := req.Optimizer.Validate(); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	s.enqueue(w, r, persistence.KindOptimize, req.Strategy, func(ctx context.Context, report func(jobs.Update)) (interface{}, error) {
		return s.deps.Lab.Optimize(ctx, req, optimizeProgress(report))
	})
}

func (s *Server) submitWalkForward(w http.ResponseWriter, r *http.Request) {
	var req application.WalkForwardRequest
	if !s.decode(w, r, &req) || !s.precheck(w, r, req.Strategy, req.Candles) {
		return
	}
	s.enqueue(w, r, persistence.KindWalkForward, req.Strategy, func(ctx context.Context, report func(jobs.Update)) (interface{}, error) {
		return s.deps.Lab.WalkForward(ctx, req, progress(report))
	})
}

func (s *Server) submitKFold(w http.ResponseWriter, r *http.Request) {
	var req application.KFoldRequest
	if !s.decode(w, r, &req) || !s.precheck(w, r, req.Strategy, req.Candles) {
		return
	}
	s.enqueue(w, r, persistence.KindKFold, req.Strategy, func(ctx context.Context, report func(jobs.Update)) (interface{}, error) {
		return s.deps.Lab.KFold(ctx, req, progress(report))
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Jobs.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := list[:0]
		for _, j := range list {
			if j.Kind == kind {
				filtered = append(filtered, j)
			}
		}
		list = filtered
	}
	s.writeJSON(w, http.StatusOK, JobsResponse{Total: len(list), Jobs: list})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "job_not_found", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch err := s.deps.Jobs.Cancel(id); {
	case errors.Is(err, jobs.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "job_not_found", err.Error())
		return
	case errors.Is(err, jobs.ErrFinished):
		s.writeError(w, r, http.StatusConflict, "job_finished", err.Error())
		return
	}
	job, _ := s.deps.Jobs.Get(id)
	s.writeJSON(w, http.StatusAccepted, job)
}

// streamJob pushes job snapshots over a websocket until the job finishes
// or the client goes away
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	updates, unsubscribe, err := s.deps.Jobs.Subscribe(id)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "job_not_found", err.Error())
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("job", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case job, ok := <-updates:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(job); err != nil {
				log.Debug().Err(err).Str("job", id).Msg("Websocket write failed")
				return
			}
		case <-gone:
			return
		}
	}
}
