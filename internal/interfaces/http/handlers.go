package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/domain"
)

// writeJSON writes JSON response with proper error handling
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// writeFailure maps a lab error onto a status code
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrDataValidation):
		s.writeError(w, r, http.StatusBadRequest, "invalid_data", err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		s.writeError(w, r, http.StatusBadRequest, "invalid_config", err.Error())
	case errors.Is(err, domain.ErrSimulation):
		s.writeError(w, r, http.StatusUnprocessableEntity, "simulation_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrOptimizationTimeout):
		s.writeError(w, r, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		log.Error().Err(err).Str("request_id", requestID(r)).Str("path", r.URL.Path).Msg("Request failed")
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decode reads a bounded JSON body into v, rejecting unknown fields
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes))
			return false
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// knownStrategy writes a 404 unless name is registered
func (s *Server) knownStrategy(w http.ResponseWriter, r *http.Request, name string) bool {
	for _, n := range s.deps.Lab.Strategies().Names() {
		if n == name {
			return true
		}
	}
	s.writeError(w, r, http.StatusNotFound, "strategy_not_found", fmt.Sprintf("unknown strategy %q", name))
	return false
}

// NotFound handles 404 responses
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("%s is not supported on %s", r.Method, r.URL.Path))
}

// withTimeout bounds synchronous simulations by the server write timeout
func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.WriteTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.config.WriteTimeout)
}

func (s *Server) strategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Lab.Describe())
}

func (s *Server) backtest(w http.ResponseWriter, r *http.Request) {
	var req application.BacktestRequest
	if !s.decode(w, r, &req) || !s.knownStrategy(w, r, req.Strategy) {
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	report, err := s.deps.Lab.Backtest(ctx, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if !s.decode(w, r, &req) {
		return
	}
	for _, name := range req.Strategies {
		if !s.knownStrategy(w, r, name) {
			return
		}
	}
	if req.Score == "" {
		req.Score = backtest.ScoreSharpe
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	rows, err := s.deps.Lab.Compare(ctx, req.Strategies, req.Candles, req.Score)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CompareResponse{Score: req.Score, Rows: rows})
}

func (s *Server) monteCarlo(w http.ResponseWriter, r *http.Request) {
	var req application.MonteCarloRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Trades) == 0 && !s.knownStrategy(w, r, req.Strategy) {
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	result, err := s.deps.Lab.MonteCarlo(ctx, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) regime(w http.ResponseWriter, r *http.Request) {
	var req application.RegimeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Strategy != "" && !s.knownStrategy(w, r, req.Strategy) {
		return
	}
	report, err := s.deps.Lab.Regime(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
