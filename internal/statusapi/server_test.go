package statusapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relaycore/antigravity-pool/internal/broker"
	"github.com/relaycore/antigravity-pool/internal/dispatch"
	"github.com/relaycore/antigravity-pool/internal/pool"
	"github.com/relaycore/antigravity-pool/internal/refresher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Healthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := pool.NewPool()
	s := NewServer(Deps{Pool: p, Metrics: NewMetrics(prometheus.NewRegistry())})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_PoolStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := pool.NewPool()
	p.AddAccount(&pool.Account{RefreshToken: "r1", Tier: pool.TierPaid})
	p.AddAccount(&pool.Account{RefreshToken: "r2", Tier: pool.TierFree})
	s := NewServer(Deps{Pool: p, Metrics: NewMetrics(prometheus.NewRegistry())})

	req := httptest.NewRequest(http.MethodGet, "/pool/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accounts":2`)
	assert.Contains(t, rec.Body.String(), `"paidAccounts":1`)
}

// fakeRefresher mirrors broker_test.go's fake, scoped to this package so
// /pool/credential can be exercised without a live token endpoint.
type fakeRefresher struct{}

func (fakeRefresher) Refresh(_ context.Context, refreshToken, projectID string) (*refresher.Result, bool) {
	if projectID == "" {
		return nil, false
	}
	return &refresher.Result{AccessToken: "fresh-" + refreshToken, ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}, true
}

func TestServer_PoolCredential_MissingModel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := pool.NewPool()
	metrics := NewMetrics(prometheus.NewRegistry())
	br := &broker.Broker{Pool: p, Refresher: fakeRefresher{}, Metrics: metrics}
	s := NewServer(Deps{Pool: p, Metrics: metrics, Broker: br, Loop: &dispatch.Loop{}})

	req := httptest.NewRequest(http.MethodPost, "/pool/credential", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PoolCredential_IssuesAndIncrementsSelections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := pool.NewPool()
	p.AddAccount(&pool.Account{RefreshToken: "tokA", ProjectID: "P_A"})
	metrics := NewMetrics(prometheus.NewRegistry())
	br := &broker.Broker{Pool: p, Refresher: fakeRefresher{}, Metrics: metrics}
	s := NewServer(Deps{Pool: p, Metrics: metrics, Broker: br, Loop: &dispatch.Loop{}})

	req := httptest.NewRequest(http.MethodPost, "/pool/credential?model=claude-sonnet-4-5", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"projectId":"P_A"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Selections))
}

func TestServer_PoolCredential_NotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := pool.NewPool()
	s := NewServer(Deps{Pool: p, Metrics: NewMetrics(prometheus.NewRegistry())})

	req := httptest.NewRequest(http.MethodPost, "/pool/credential?model=claude-sonnet-4-5", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
