package captcha

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var pngChallenge = types.CaptchaChallenge{
	State:    "s",
	Image:    []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 1, 2, 3},
	MIMEType: "image/png",
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func TestNone(t *testing.T) {
	_, err := None{}.Solve(context.Background(), pngChallenge)
	assert.ErrorIs(t, err, ErrNoSolution)
}

func TestTwoCaptcha(t *testing.T) {
	t.Run("Solved", func(t *testing.T) {
		var polls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/in.php":
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "key-1", r.Form.Get("key"))
				assert.Equal(t, "base64", r.Form.Get("method"))
				assert.Equal(t, base64.StdEncoding.EncodeToString(pngChallenge.Image), r.Form.Get("body"))
				assert.Equal(t, "1", r.Form.Get("regsense"))
				w.Write([]byte(`{"status":1,"request":"42"}`))
			case "/res.php":
				assert.Equal(t, "42", r.URL.Query().Get("id"))
				assert.Equal(t, "get", r.URL.Query().Get("action"))
				polls++
				if polls < 3 {
					w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
					return
				}
				w.Write([]byte(`{"status":1,"request":"xK9p"}`))
			default:
				http.NotFound(w, r)
			}
		}))
		defer ts.Close()

		tc := NewTwoCaptcha("key-1", ts.URL)
		tc.sleep = noSleep
		answer, err := tc.Solve(context.Background(), pngChallenge)
		require.NoError(t, err)
		assert.Equal(t, "xK9p", answer)
		assert.Equal(t, 3, polls)
	})

	t.Run("Unsolvable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/in.php" {
				w.Write([]byte(`{"status":1,"request":"7"}`))
				return
			}
			w.Write([]byte(`{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`))
		}))
		defer ts.Close()

		tc := NewTwoCaptcha("key", ts.URL)
		tc.sleep = noSleep
		_, err := tc.Solve(context.Background(), pngChallenge)
		assert.ErrorIs(t, err, ErrNoSolution)
		assert.ErrorContains(t, err, "ERROR_CAPTCHA_UNSOLVABLE")
	})

	t.Run("Timeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/in.php" {
				w.Write([]byte(`{"status":1,"request":"7"}`))
				return
			}
			w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
		}))
		defer ts.Close()

		tc := NewTwoCaptcha("key", ts.URL)
		tc.sleep = noSleep
		tc.maxPolls = 3
		_, err := tc.Solve(context.Background(), pngChallenge)
		assert.ErrorIs(t, err, ErrNoSolution)
	})

	t.Run("SubmitRejected", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
		}))
		defer ts.Close()

		tc := NewTwoCaptcha("bad", ts.URL)
		_, err := tc.Solve(context.Background(), pngChallenge)
		assert.ErrorContains(t, err, "ERROR_WRONG_USER_KEY")
	})

	t.Run("SVG", func(t *testing.T) {
		tc := NewTwoCaptcha("key", "http://127.0.0.1:1")
		_, err := tc.Solve(context.Background(), types.CaptchaChallenge{MIMEType: "image/svg+xml", Image: []byte("<svg/>")})
		assert.ErrorIs(t, err, ErrNoSolution)
	})

	t.Run("Validate", func(t *testing.T) {
		assert.Error(t, NewTwoCaptcha("", "").Validate())
		assert.NoError(t, NewTwoCaptcha("k", "").Validate())
	})
}

func TestDirectory(t *testing.T) {
	t.Run("Solved", func(t *testing.T) {
		dir := t.TempDir()
		d := NewDirectory(dir, time.Minute)
		var sleeps int
		d.sleep = func(ctx context.Context, _ time.Duration) error {
			sleeps++
			// the operator answers after looking at the image
			img, err := os.ReadFile(filepath.Join(dir, "captcha.png"))
			require.NoError(t, err)
			assert.Equal(t, pngChallenge.Image, img)
			return os.WriteFile(filepath.Join(dir, solutionFile), []byte(" abcd \n"), 0o644)
		}

		answer, err := d.Solve(context.Background(), pngChallenge)
		require.NoError(t, err)
		assert.Equal(t, "abcd", answer)
		assert.Equal(t, 1, sleeps)

		_, err = os.Stat(filepath.Join(dir, solutionFile))
		assert.True(t, os.IsNotExist(err), "solution should be consumed")
		_, err = os.Stat(filepath.Join(dir, "captcha.png"))
		assert.True(t, os.IsNotExist(err), "image should be removed")
	})

	t.Run("StaleSolutionIgnored", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, solutionFile), []byte("old"), 0o644))
		d := NewDirectory(dir, time.Minute)
		d.sleep = func(ctx context.Context, _ time.Duration) error {
			return os.WriteFile(filepath.Join(dir, solutionFile), []byte("new"), 0o644)
		}
		answer, err := d.Solve(context.Background(), pngChallenge)
		require.NoError(t, err)
		assert.Equal(t, "new", answer)
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d := NewDirectory(t.TempDir(), time.Minute)
		_, err := d.Solve(ctx, types.CaptchaChallenge{Image: []byte("<svg/>")})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Timeout", func(t *testing.T) {
		d := NewDirectory(t.TempDir(), time.Nanosecond)
		d.sleep = noSleep
		_, err := d.Solve(context.Background(), pngChallenge)
		assert.ErrorIs(t, err, ErrNoSolution)
	})
}
