package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/onkernel/sharedblock/cmd/api/api"
	"github.com/onkernel/sharedblock/cmd/api/config"
	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/filelock"
	"github.com/onkernel/sharedblock/lib/logger"
	mw "github.com/onkernel/sharedblock/lib/middleware"
	"github.com/onkernel/sharedblock/lib/volumes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-key"

func generateValidJWT(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func setupTestRouter(t *testing.T) http.Handler {
	t.Helper()
	f := backend.NewFake()
	f.AddVG(backend.FakeVG{Name: "vg1", Total: 1 << 40})
	f.AddLV(backend.FakeLV{Path: "/dev/vg1/vol", Size: 1 << 30})

	vols, err := volumes.NewManager(f, filelock.New(filepath.Join(t.TempDir(), "agent.lock")), nil, volumes.Options{}, nil)
	require.NoError(t, err)
	svc := api.New(&config.Config{JwtSecret: testJWTSecret}, nil, vols, nil)

	log := logger.NewSubsystemLogger(logger.SubsystemAPI, logger.NewConfig(), nil)
	return newRouter(svc, routerOptions{
		Logger:       log,
		AccessLogger: mw.NewAccessLogger(nil),
		JwtSecret:    testJWTSecret,
		Timeout:      time.Minute,
	})
}

func checkBits(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/sharedblock/bits/check",
		bytes.NewBufferString(`{"path":"sharedblock://vg1/vol"}`))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthIsPublic(t *testing.T) {
	h := setupTestRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_CommandsRequireToken(t *testing.T) {
	h := setupTestRouter(t)

	rec := checkBits(t, h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)

	rec = checkBits(t, h, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_AuthenticatedCommand(t *testing.T) {
	h := setupTestRouter(t)

	rec := checkBits(t, h, generateValidJWT(t, "management-node"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t,
		`{"success":true,"error":"","totalCapacity":null,"availableCapacity":null,"existing":true}`,
		rec.Body.String())
}

func TestRouter_UnknownCommand(t *testing.T) {
	h := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/sharedblock/nope", nil)
	req.Header.Set("Authorization", "Bearer "+generateValidJWT(t, "management-node"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
