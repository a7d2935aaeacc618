package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/raterudder/chargerudder/pkg/storage/storagemock"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key"

// setupOIDCTest serves a discovery document and a key set for a freshly
// generated RSA key.
func setupOIDCTest(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/auth",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		enc := base64.RawURLEncoding
		writeJSON(w, map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   enc.EncodeToString(priv.N.Bytes()),
				"e":   enc.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			}},
		})
	})
	return srv, priv
}

func generateTestToken(t *testing.T, issuer string, priv *rsa.PrivateKey, email string, verified bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            issuer,
		"aud":            "test-audience",
		"sub":            "sub-" + email,
		"email":          email,
		"email_verified": verified,
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func newAuthServer(t *testing.T, db *storagemock.MockDatabase, loop Controller) (*Server, func(email string, verified bool) string) {
	t.Helper()
	oidcSrv, priv := setupOIDCTest(t)
	t.Cleanup(oidcSrv.Close)
	provider, err := oidc.NewProvider(context.Background(), oidcSrv.URL)
	require.NoError(t, err)

	srv := NewServer(db, loop, &fakePrices{})
	srv.bypassAuth = false
	srv.adminEmails = []string{"admin@example.com"}
	srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: "test-audience"}).Verify
	return srv, func(email string, verified bool) string {
		return generateTestToken(t, oidcSrv.URL, priv, email, verified)
	}
}

func TestAuthMiddleware(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetSettings", mock.Anything).Return(types.Settings{AutoMode: true}, types.CurrentSettingsVersion, nil)
	db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(nil)
	loop := &fakeLoop{}
	srv, token := newAuthServer(t, db, loop)
	handler := srv.setupHandler()

	do := func(method, path, bearer string, cookie *http.Cookie, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if cookie != nil {
			req.AddCookie(cookie)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("NoToken", func(t *testing.T) {
		w := do(http.MethodGet, "/api/status", "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		w := do(http.MethodGet, "/api/status", "not-a-token", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("InvalidHeader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Authorization", "Basic abc")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnverifiedEmail", func(t *testing.T) {
		w := do(http.MethodGet, "/api/status", token("admin@example.com", false), nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("UserCanRead", func(t *testing.T) {
		w := do(http.MethodGet, "/api/status", token("user@example.com", true), nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("UserCannotWrite", func(t *testing.T) {
		w := do(http.MethodPost, "/api/charging/start", token("user@example.com", true), nil, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, loop.commands)

		w = do(http.MethodPost, "/api/settings", token("user@example.com", true), nil, types.Settings{})
		assert.Equal(t, http.StatusForbidden, w.Code)
		db.AssertNotCalled(t, "SetSettings", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("AdminCanWrite", func(t *testing.T) {
		w := do(http.MethodPost, "/api/settings", token("Admin@Example.com", true), nil, types.Settings{PriceThresholdCentsPerKWH: 20})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Cookie", func(t *testing.T) {
		w := do(http.MethodGet, "/api/settings", "", &http.Cookie{Name: authTokenCookie, Value: token("user@example.com", true)}, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("HealthzAndMetricsOpen", func(t *testing.T) {
		w := do(http.MethodGet, "/healthz", "", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w = do(http.MethodGet, "/metrics", "", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "go_goroutines")
	})
}

func TestHandleLogin(t *testing.T) {
	srv, token := newAuthServer(t, new(storagemock.MockDatabase), &fakeLoop{})
	handler := srv.setupHandler()

	login := func(tok string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"token": tok})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("Valid", func(t *testing.T) {
		tok := token("admin@example.com", true)
		w := login(tok)
		require.Equal(t, http.StatusOK, w.Code)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, authTokenCookie, cookies[0].Name)
		assert.Equal(t, tok, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("Invalid", func(t *testing.T) {
		w := login("bogus")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Result().Cookies())
	})

	t.Run("Status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
		req.Header.Set("Authorization", "Bearer "+token("admin@example.com", true))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp authStatusResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.True(t, resp.LoggedIn)
		assert.True(t, resp.Admin)
		assert.True(t, resp.AuthRequired)
		assert.Equal(t, "admin@example.com", resp.Email)
	})

	t.Run("StatusAnonymous", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp authStatusResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.False(t, resp.LoggedIn)
	})

	t.Run("Logout", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Empty(t, cookies[0].Value)
		assert.Equal(t, -1, cookies[0].MaxAge)
	})
}
