package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// defaultResponseWait stays under the server WriteTimeout. Ticks and commands
// queue behind a running tick and can take minutes when the vehicle API is
// slow or a captcha is waiting for an operator.
const defaultResponseWait = 60 * time.Second

type pendingResponse struct {
	Pending   bool   `json:"pending"`
	StatusURL string `json:"statusURL"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.loop.Status())
}

// runWithin runs fn detached from the request and waits up to responseWait
// for it. It returns false if fn is still running, in which case the outcome
// shows up in /api/status once fn is done.
func (s *Server) runWithin(ctx context.Context, fn func(ctx context.Context)) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bctx := context.WithoutCancel(ctx)
		defer func() {
			if r := recover(); r != nil {
				log.Ctx(bctx).ErrorContext(bctx, "background request panicked", slog.Any("panic", r))
			}
		}()
		fn(bctx)
	}()

	timer := time.NewTimer(s.responseWait)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	log.Ctx(ctx).InfoContext(ctx, "request still running, answering with pending")
	return false
}

func writePending(w http.ResponseWriter) {
	w.Header().Set("Location", "/api/status")
	writeJSONCode(w, http.StatusAccepted, pendingResponse{Pending: true, StatusURL: "/api/status"})
}

// handleTick runs a tick now. It waits for a running tick to finish first.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).InfoContext(ctx, "tick requested")

	var status types.LoopStatus
	if !s.runWithin(ctx, func(ctx context.Context) {
		status = s.loop.Tick(ctx)
	}) {
		writePending(w)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleCharging(direction types.ChargeDirection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var cl types.CommandLog
		err := fmt.Errorf("manual %s command did not finish", direction)
		if !s.runWithin(ctx, func(ctx context.Context) {
			cl, err = s.loop.Command(ctx, direction)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "manual charge command failed", slog.String("direction", string(direction)), slog.Any("error", err))
			}
		}) {
			writePending(w)
			return
		}
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		code := http.StatusOK
		if !cl.Confirmed {
			code = http.StatusAccepted
		}
		writeJSONCode(w, code, cl)
	}
}
