// Package captcha turns login captcha challenges into solution text.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrNoSolution is returned when the resolver gave up without an answer.
var ErrNoSolution = errors.New("no captcha solution")

// Resolver solves captcha challenges.
type Resolver interface {
	// Solve returns the text in the challenge image or ErrNoSolution.
	Solve(ctx context.Context, challenge types.CaptchaChallenge) (string, error)
}

// Configured sets up the captcha resolver based on flags.
func Configured() Resolver {
	provider := lflag.String("captcha-provider", "none", "Captcha resolver to use (available: none, 2captcha, directory)")

	var p struct{ Resolver }

	tc := configuredTwoCaptcha()
	dir := configuredDirectory()

	lflag.Do(func() {
		switch *provider {
		case "none", "":
			p.Resolver = None{}
		case "2captcha":
			if err := tc.Validate(); err != nil {
				panic(fmt.Sprintf("2captcha validation failed: %v", err))
			}
			p.Resolver = tc
		case "directory":
			if err := dir.Validate(); err != nil {
				panic(fmt.Sprintf("captcha directory validation failed: %v", err))
			}
			p.Resolver = dir
		default:
			panic(fmt.Sprintf("unknown captcha provider: %s", *provider))
		}
	})

	return &p
}

// None never solves anything.
type None struct{}

// Solve implements Resolver.
func (None) Solve(ctx context.Context, challenge types.CaptchaChallenge) (string, error) {
	return "", ErrNoSolution
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
