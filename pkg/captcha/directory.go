package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

const solutionFile = "captcha-solution.txt"

// Directory hands the captcha to an operator. The image is written into a
// directory and the resolver waits for the operator to write the answer to
// captcha-solution.txt next to it.
type Directory struct {
	dir          string
	timeout      time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

func configuredDirectory() *Directory {
	d := NewDirectory("", 10*time.Minute)
	dir := lflag.String("captcha-dir", "", "Directory where captcha images are written for an operator to solve")
	timeout := lflag.Duration("captcha-timeout", 10*time.Minute, "How long to wait for an operator to solve a captcha")

	lflag.Do(func() {
		d.dir = *dir
		d.timeout = *timeout
	})
	return d
}

// NewDirectory returns a Directory resolver.
func NewDirectory(dir string, timeout time.Duration) *Directory {
	return &Directory{
		dir:          dir,
		timeout:      timeout,
		pollInterval: 2 * time.Second,
		sleep:        sleepCtx,
	}
}

// Validate ensures the configuration is valid.
func (d *Directory) Validate() error {
	if d.dir == "" {
		return errors.New("captcha-dir is required")
	}
	if d.timeout <= 0 {
		return errors.New("captcha-timeout must be positive")
	}
	return nil
}

// Solve writes the image and waits for a solution file.
func (d *Directory) Solve(ctx context.Context, challenge types.CaptchaChallenge) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create captcha dir: %w", err)
	}
	solutionPath := filepath.Join(d.dir, solutionFile)
	// a stale answer would be for a previous challenge
	if err := os.Remove(solutionPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to remove old solution: %w", err)
	}

	imagePath := filepath.Join(d.dir, "captcha"+imageExtension(challenge))
	if err := os.WriteFile(imagePath, challenge.Image, 0o644); err != nil {
		return "", fmt.Errorf("failed to write captcha image: %w", err)
	}
	defer os.Remove(imagePath)

	log.Ctx(ctx).WarnContext(
		ctx,
		"captcha needs to be solved by an operator",
		slog.String("image", imagePath),
		slog.String("solution", solutionPath),
		slog.Duration("timeout", d.timeout),
	)

	deadline := time.Now().Add(d.timeout)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(solutionPath)
		if err == nil {
			if answer := strings.TrimSpace(string(b)); answer != "" {
				os.Remove(solutionPath)
				return answer, nil
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to read captcha solution: %w", err)
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: operator did not answer within %s", ErrNoSolution, d.timeout)
}

func imageExtension(c types.CaptchaChallenge) string {
	if c.IsSVG() {
		return ".svg"
	}
	if c.MIMEType != "" {
		if exts, err := mime.ExtensionsByType(c.MIMEType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".img"
}
