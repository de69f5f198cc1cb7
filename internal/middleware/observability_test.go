package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"wagate/internal/metrics"
	"wagate/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(logger *logrus.Logger, m *metrics.Registry, status int) *mux.Router {
	router := mux.NewRouter()
	router.Use(Observability(logger, m))
	router.HandleFunc("/api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Request-ID", tracing.RequestID(r.Context()))
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	})
	return router
}

func TestObservability_AssignsRequestID(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := metrics.NewRegistry()
	router := newRouter(logger, m, http.StatusOK)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/abc", nil))

	id := w.Header().Get(HeaderRequestID)
	require.NotEmpty(t, id)
	assert.Equal(t, id, w.Header().Get("X-Seen-Request-ID"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "/api/v1/sessions/{id}", entry.Data["route"])
	assert.Equal(t, http.StatusOK, entry.Data["status_code"])
	assert.EqualValues(t, 2, entry.Data["size"])
}

func TestObservability_KeepsCallerRequestID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	router := newRouter(logger, metrics.NewRegistry(), http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/abc", nil)
	req.Header.Set(HeaderRequestID, "req_caller")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req_caller", w.Header().Get(HeaderRequestID))
}

func TestObservability_MetricsUseRouteTemplate(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := metrics.NewRegistry()
	router := newRouter(logger, m, http.StatusNotFound)

	for _, id := range []string{"a", "b", "c"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
	}

	assert.Equal(t, 3.0, m.CounterValue(metrics.HTTPRequests, map[string]string{
		"method":      http.MethodGet,
		"route":       "/api/v1/sessions/{id}",
		"status_code": "404",
	}))
}

func TestObservability_LogLevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  logrus.Level
	}{
		{http.StatusOK, logrus.InfoLevel},
		{http.StatusConflict, logrus.WarnLevel},
		{http.StatusServiceUnavailable, logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			router := newRouter(logger, metrics.NewRegistry(), tt.status)
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x", nil))
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, tt.level, hook.LastEntry().Level)
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded single", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "10.0.0.1:1234", "203.0.113.5"},
		{"forwarded chain takes first", map[string]string{"X-Forwarded-For": " 198.51.100.7 , 203.0.113.9"}, "10.0.0.1:1234", "198.51.100.7"},
		{"forwarded ipv6", map[string]string{"X-Forwarded-For": "2001:db8::1, 203.0.113.9"}, "10.0.0.1:1234", "2001:db8::1"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.12"}, "10.0.0.1:1234", "203.0.113.12"},
		{"remote addr", nil, "192.0.2.4:5678", "192.0.2.4"},
		{"bracketed ipv6 remote", nil, "[2001:db8::2]:443", "2001:db8::2"},
		{"unparseable remote", nil, "not-an-addr", "not-an-addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestTenant(t *testing.T) {
	var seen string
	h := Tenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TenantID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderTenantID, "  acme ")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "acme", seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "", seen)
}
