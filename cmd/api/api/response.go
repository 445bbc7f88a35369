package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/logger"
)

// AgentResponse is the envelope of every command reply. Capacity is null
// when the pool could not be queried.
type AgentResponse struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	TotalCapacity     *int64 `json:"totalCapacity"`
	AvailableCapacity *int64 `json:"availableCapacity"`
}

func (r *AgentResponse) envelope() *AgentResponse { return r }

func (r *AgentResponse) setCapacity(c backend.Capacity) {
	r.TotalCapacity = &c.Total
	r.AvailableCapacity = &c.Available
}

type reply interface {
	envelope() *AgentResponse
}

// poolRequest carries the pool a command refers to. Capacity in the reply
// is read from it.
type poolRequest struct {
	VgUuid string `json:"vgUuid"`
}

func (p poolRequest) pool() string { return p.VgUuid }

type request interface {
	pool() string
}

// handle decodes a command, runs fn, and writes the reply with the pool's
// capacity attached whenever fn did not already set it.
func handle[Req request, Rsp any, PR interface {
	*Rsp
	reply
}](s *ApiService, fn func(ctx context.Context, req Req, rsp PR) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rsp := PR(new(Rsp))

		// An empty body is an empty command.
		var req Req
		err := json.NewDecoder(r.Body).Decode(&req)
		if err == nil || errors.Is(err, io.EOF) {
			err = fn(ctx, req, rsp)
		} else {
			err = fmt.Errorf("decode request: %v: %w", err, backend.ErrUnsupported)
		}

		env := rsp.envelope()
		if env.TotalCapacity == nil {
			s.fillCapacity(ctx, req.pool(), env)
		}
		if err != nil {
			status := statusFor(err)
			log := logger.FromContext(ctx)
			if status >= http.StatusInternalServerError {
				log.ErrorContext(ctx, "command failed", "path", r.URL.Path, "error", err)
			} else {
				log.WarnContext(ctx, "command rejected", "path", r.URL.Path, "error", err)
			}
			env.Success = false
			env.Error = err.Error()
			writeJSON(w, status, env)
			return
		}
		env.Success = true
		writeJSON(w, http.StatusOK, rsp)
	}
}

// fillCapacity attaches vg's capacity to env. Failures leave it unset.
func (s *ApiService) fillCapacity(ctx context.Context, vg string, env *AgentResponse) {
	if vg == "" || s.Pools == nil {
		return
	}
	c, err := s.Pools.Capacity(context.WithoutCancel(ctx), vg)
	if err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "capacity unavailable", "vg", vg, "error", err)
		return
	}
	env.setCapacity(c)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, backend.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
