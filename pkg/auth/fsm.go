package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
	"github.com/raterudder/chargerudder/pkg/log"
)

// Session states.
const (
	StateUnauthenticated = "unauthenticated"
	StateVerifyingToken  = "verifying_token"
	StateAwaitingCaptcha = "awaiting_captcha"
	StateAuthenticated   = "authenticated"
	StateFailed          = "failed"
)

const (
	eventVerifyToken   = "verify_token"
	eventTokenRejected = "token_rejected"
	eventCaptcha       = "captcha"
	eventSucceed       = "succeed"
	eventFail          = "fail"
	eventInvalidate    = "invalidate"
	eventReset         = "reset"
)

func newMachine() *fsm.FSM {
	events := fsm.Events{
		{Name: eventVerifyToken, Src: []string{StateUnauthenticated}, Dst: StateVerifyingToken},
		{Name: eventTokenRejected, Src: []string{StateVerifyingToken}, Dst: StateUnauthenticated},
		{Name: eventCaptcha, Src: []string{StateUnauthenticated, StateAwaitingCaptcha}, Dst: StateAwaitingCaptcha},
		{Name: eventSucceed, Src: []string{StateUnauthenticated, StateVerifyingToken, StateAwaitingCaptcha}, Dst: StateAuthenticated},
		{Name: eventFail, Src: []string{StateUnauthenticated, StateVerifyingToken, StateAwaitingCaptcha}, Dst: StateFailed},
		{Name: eventInvalidate, Src: []string{StateAuthenticated}, Dst: StateUnauthenticated},
		{Name: eventReset, Src: []string{StateFailed}, Dst: StateUnauthenticated},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			log.Ctx(ctx).DebugContext(
				ctx,
				"auth session state changed",
				slog.String("event", e.Event),
				slog.String("from", e.Src),
				slog.String("to", e.Dst),
			)
		},
	}

	return fsm.NewFSM(StateUnauthenticated, events, callbacks)
}

// transition fires event and treats a transition into the same state, such as
// a second captcha round, as success.
func (s *Session) transition(ctx context.Context, event string) {
	err := s.machine.Event(ctx, event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	// every caller checks the source state so this is a programming error
	log.Ctx(ctx).ErrorContext(
		ctx,
		"invalid auth session transition",
		slog.String("event", event),
		slog.String("state", s.machine.Current()),
		slog.Any("error", err),
	)
}
