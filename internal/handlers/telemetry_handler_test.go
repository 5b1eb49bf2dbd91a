package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backup-telemetry/internal/cache"
	"backup-telemetry/internal/database"
	"backup-telemetry/internal/models"
	"backup-telemetry/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminPassword = "backupmaster2025"

func init() {
	gin.SetMode(gin.TestMode)
}

type brokenStore struct {
	*database.MemoryStore
	err error
}

func (b *brokenStore) GlobalStats(context.Context, time.Time) (*models.GlobalStats, error) {
	return nil, b.err
}

func (b *brokenStore) Ping(context.Context) error {
	return b.err
}

type testServer struct {
	router *gin.Engine
	store  *database.MemoryStore
}

func newTestServer(t *testing.T, store services.TelemetryStore, debug bool) *gin.Engine {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	c := cache.New("", log)
	t.Cleanup(func() { _ = c.Close() })

	stats := services.NewStatsService(store, c, services.StatsOptions{CacheTTL: time.Minute, ActiveWindow: 30 * 24 * time.Hour}, log)
	reg := services.NewRegistrationService(store, c, log)
	auth, err := services.NewAdminAuth(adminPassword, "")
	require.NoError(t, err)

	h := NewTelemetryHandler(stats, reg, auth, c, log, debug)
	return NewRouter(h, RouterOptions{
		AllowedOrigins: []string{"http://localhost:8000"},
		MaxBodyBytes:   4096,
		Logger:         log,
	})
}

func setup(t *testing.T) testServer {
	store := database.NewMemoryStore()
	return testServer{router: newTestServer(t, store, false), store: store}
}

func (s testServer) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Body.Len() == 0 {
		return w, nil
	}
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func (s testServer) post(t *testing.T, payload string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

func (s testServer) get(t *testing.T, query string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	return s.do(t, httptest.NewRequest(http.MethodGet, "/api/telemetry"+query, nil))
}

func (s testServer) adminUsers(t *testing.T) []interface{} {
	t.Helper()
	w, body := s.get(t, "?type=admin&password="+adminPassword)
	require.Equal(t, http.StatusOK, w.Code)
	users, ok := body["data"].([]interface{})
	require.True(t, ok)
	return users
}

const registerABC = `{"action":"register","token":"abc","name":"A","email":"a@x.com","machine_id":"m1","registered_at":"2025-01-01","last_validation":"2025-01-01"}`

func TestRegisterThenAdminShowsUserWithoutStats(t *testing.T) {
	s := setup(t)

	w, body := s.post(t, registerABC)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "User registered", body["message"])

	users := s.adminUsers(t)
	require.Len(t, users, 1)
	row := users[0].(map[string]interface{})
	assert.Equal(t, "abc", row["token"])
	assert.Equal(t, "A", row["name"])
	assert.Nil(t, row["total_backups"])
	assert.Nil(t, row["last_backup"])
	assert.Equal(t, 0.0, row["tb"])
	assert.NotContains(t, row, "total_bytes_original")
}

func TestUpdateStatsTwiceReplacesCounters(t *testing.T) {
	s := setup(t)
	s.post(t, registerABC)

	w, body := s.post(t, `{"action":"update_stats","token":"abc","total_backups":10,"total_bytes_original":5000000000000,"first_backup":"2025-01-01T09:00:00.123456"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Stats updated", body["message"])

	w, _ = s.post(t, `{"action":"update_stats","token":"abc","total_backups":15,"total_bytes_original":6000000000000,"backups_by_format":{"zip":10,"tar.gz":5},"first_backup":"2025-06-01T09:00:00"}`)
	require.Equal(t, http.StatusOK, w.Code)

	users := s.adminUsers(t)
	require.Len(t, users, 1)
	row := users[0].(map[string]interface{})
	assert.Equal(t, 15.0, row["total_backups"])
	assert.Equal(t, 5.46, row["tb"])

	stored, ok := s.store.Stats("abc")
	require.True(t, ok)
	require.NotNil(t, stored.FirstBackup)
	assert.Equal(t, time.January, stored.FirstBackup.Month())

	_, body = s.get(t, "?type=public")
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["total_users"])
	assert.Equal(t, 15.0, data["total_backups"])
	assert.Equal(t, 10.0, data["format_zip"])
	assert.Equal(t, 5.0, data["format_targz"])
	assert.Equal(t, 5.46, data["total_tb"])
}

func TestAdminRejectsWrongPasswords(t *testing.T) {
	s := setup(t)
	s.post(t, registerABC)

	for _, query := range []string{
		"?type=admin",
		"?type=admin&password=",
		"?type=admin&password=b",
		"?type=admin&password=backupmaster202",
		"?type=admin&password=backupmaster20250",
		"?type=admin&password=" + strings.Repeat("x", 512),
	} {
		w, body := s.get(t, query)
		assert.Equal(t, http.StatusUnauthorized, w.Code, query)
		assert.Equal(t, false, body["success"], query)
		assert.NotEmpty(t, body["error"], query)
		assert.NotContains(t, body, "data", query)
	}
}

func TestPublicStats(t *testing.T) {
	s := setup(t)

	for _, query := range []string{"", "?type=public"} {
		w, body := s.get(t, query)
		require.Equal(t, http.StatusOK, w.Code)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, 0.0, data["total_tb"])
		assert.Equal(t, 0.0, data["total_tb_compressed"])
		assert.Equal(t, 0.0, data["total_users"])
	}
}

func TestDownload(t *testing.T) {
	s := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{"action":"download","platform":"Windows"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BackupMaster/1.0")
	w, body := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Download recorded", body["message"])

	s.post(t, `{"action":"download","platform":"linux","version":"2.1.0"}`)
	s.post(t, `{"action":"download","platform":"linux","version":"2.1.0"}`)

	_, body = s.get(t, "?type=public")
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["downloads_windows"])
	assert.Equal(t, 2.0, data["downloads_linux"])
	assert.Equal(t, 0.0, data["downloads_macos"])

	w, body = s.post(t, `{"action":"download"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "platform is required", body["error"])
}

func TestDownloadWithOversizedHeaders(t *testing.T) {
	s := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{"action":"download","platform":"linux"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", strings.Repeat("a", 600))
	req.Header.Set("Client-IP", strings.Repeat("f", 100))
	w, body := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Download recorded", body["message"])

	downloads := s.store.Downloads()
	require.Len(t, downloads, 1)
	require.NotNil(t, downloads[0].UserAgent)
	assert.Len(t, *downloads[0].UserAgent, models.UserAgentWidth)
	assert.Len(t, downloads[0].IPAddress, models.IPWidth)

	// The registration audit row takes the same address.
	req = httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(registerABC))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", strings.Repeat("9", 80)+", 10.0.0.1")
	w, _ = s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	events := s.store.Events()
	require.Len(t, events, 1)
	assert.Len(t, events[0].IPAddress, models.IPWidth)
}

func TestRegisterAcceptsAnyNonEmptyEmail(t *testing.T) {
	s := setup(t)

	w, _ := s.post(t, `{"action":"register","token":"t1","name":"A","email":"nope","machine_id":"m"}`)
	require.Equal(t, http.StatusOK, w.Code)
	u, ok := s.store.User("t1")
	require.True(t, ok)
	assert.Equal(t, "nope", u.Email)
}

func TestNotAllowed(t *testing.T) {
	s := setup(t)

	w, body := s.get(t, "?type=everything")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Invalid type", body["error"])

	w, body = s.post(t, `{"action":"delete_user","token":"abc"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Invalid action", body["error"])

	w, _ = s.post(t, `{"token":"abc"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := httptest.NewRequest(method, "/api/telemetry", strings.NewReader(registerABC))
		req.Header.Set("Content-Type", "application/json")
		w, body = s.do(t, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
		assert.Equal(t, "Method not allowed", body["error"], method)
	}
	_, ok := s.store.User("abc")
	assert.False(t, ok)
}

func TestBadRequests(t *testing.T) {
	s := setup(t)
	s.post(t, registerABC)

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"malformed json", `{"action":"register",`, "Invalid JSON"},
		{"not json", `hello`, "Invalid JSON"},
		{"empty body", ``, "Invalid JSON"},
		{"wrong type", `{"action":"update_stats","token":"abc","total_backups":"ten"}`, "Invalid value for total_backups"},
		{"missing email", `{"action":"register","token":"t","name":"A","machine_id":"m"}`, "email is required"},
		{"long version", `{"action":"register","token":"t","name":"A","email":"a@x.com","machine_id":"m","version":"` + strings.Repeat("9", 33) + `"}`, "version must be at most 32 characters"},
		{"long platform", `{"action":"download","platform":"` + strings.Repeat("p", 33) + `"}`, "platform must be at most 32 characters"},
		{"long download version", `{"action":"download","platform":"linux","version":"` + strings.Repeat("1", 33) + `"}`, "version must be at most 32 characters"},
		{"missing token", `{"action":"update_stats","total_backups":1}`, "token is required"},
		{"negative counter", `{"action":"update_stats","token":"abc","total_backups":-1}`, "total_backups must not be negative"},
		{"negative format", `{"action":"update_stats","token":"abc","backups_by_format":{"7z":-2}}`, "7z must not be negative"},
		{"bad timestamp", `{"action":"update_stats","token":"abc","last_backup":"last tuesday"}`, "last_backup is not a valid timestamp"},
		{"unregistered token", `{"action":"update_stats","token":"ghost","total_backups":1}`, "token is not registered"},
		{"too large", `{"action":"register","name":"` + strings.Repeat("a", 5000) + `"}`, "Request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.post(t, tt.payload)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.want, body["error"])
		})
	}
}

func TestStoreFailureIsGeneric(t *testing.T) {
	storeErr := errors.New("dial tcp 10.0.0.5:3306: connection refused")

	for _, debug := range []bool{false, true} {
		router := newTestServer(t, &brokenStore{MemoryStore: database.NewMemoryStore(), err: storeErr}, debug)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/telemetry?type=public", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Internal server error", body["error"])
		if debug {
			assert.Contains(t, body["detail"], "connection refused")
		} else {
			assert.NotContains(t, w.Body.String(), "10.0.0.5")
		}
	}
}

func TestRegistrationAuditRecordsClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"client-ip header wins", map[string]string{"Client-IP": "198.51.100.4", "X-Forwarded-For": "203.0.113.7"}, "198.51.100.4"},
		{"first forwarded hop", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"mapped ipv4", map[string]string{"X-Forwarded-For": "::ffff:192.0.2.9"}, "192.0.2.9"},
		{"socket peer", nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t)
			req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(registerABC))
			req.Header.Set("Content-Type", "application/json")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w, _ := s.do(t, req)
			require.Equal(t, http.StatusOK, w.Code)

			events := s.store.Events()
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0].IPAddress)
			assert.JSONEq(t, registerABC, string(events[0].Data))
		})
	}
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", normalizeIP("::1"))
	assert.Equal(t, "10.1.2.3", normalizeIP("::ffff:10.1.2.3"))
	assert.Equal(t, "2001:db8::1", normalizeIP("2001:db8::1"))
	assert.Equal(t, "unknown", normalizeIP("unknown"))
}

func TestLegacyPathAndCORS(t *testing.T) {
	s := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry.php", strings.NewReader(registerABC))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:8000")
	w, body := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "http://localhost:8000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/telemetry", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	w, body = s.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, body)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestHealth(t *testing.T) {
	s := setup(t)
	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	deps := body["services"].(map[string]interface{})
	assert.Equal(t, "connected", deps["database"])
	assert.Equal(t, "local_cache_only", deps["redis"])

	router := newTestServer(t, &brokenStore{MemoryStore: database.NewMemoryStore(), err: errors.New("down")}, false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
