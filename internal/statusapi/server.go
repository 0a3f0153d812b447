// Package statusapi exposes an HTTP surface for operators: a health check,
// a pool-status snapshot and recent-log tail backed by Prometheus gauges,
// and a credential-dispatch endpoint that drives the broker and dispatch
// loop for a given model — the same path a real inference client would
// call, used here for liveness verification and operational testing.
package statusapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycore/antigravity-pool/internal/audit"
	"github.com/relaycore/antigravity-pool/internal/broker"
	"github.com/relaycore/antigravity-pool/internal/dispatch"
	"github.com/relaycore/antigravity-pool/internal/liveness"
	"github.com/relaycore/antigravity-pool/internal/logging"
	"github.com/relaycore/antigravity-pool/internal/pool"
)

// Metrics holds the Prometheus collectors the status API and the broker
// update.
type Metrics struct {
	AccountsTotal    prometheus.Gauge
	AccountsPaid     prometheus.Gauge
	RateLimitedByFam *prometheus.GaugeVec
	Selections       prometheus.Counter
	RefreshFailures  prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AccountsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_accounts_total", Help: "Total accounts currently in the pool.",
		}),
		AccountsPaid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_accounts_paid", Help: "Accounts with tier=paid currently in the pool.",
		}),
		RateLimitedByFam: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_rate_limited_accounts", Help: "Accounts currently rate-limited, by model family.",
		}, []string{"family"}),
		Selections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_selections_total", Help: "Successful account selections served.",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_refresh_failures_total", Help: "Token refresh attempts that failed.",
		}),
	}
	reg.MustRegister(m.AccountsTotal, m.AccountsPaid, m.RateLimitedByFam, m.Selections, m.RefreshFailures)
	return m
}

// IncSelection satisfies broker.Metrics.
func (m *Metrics) IncSelection() {
	if m == nil || m.Selections == nil {
		return
	}
	m.Selections.Inc()
}

// IncRefreshFailure satisfies broker.Metrics.
func (m *Metrics) IncRefreshFailure() {
	if m == nil || m.RefreshFailures == nil {
		return
	}
	m.RefreshFailures.Inc()
}

// Deps are Server's collaborators. Pool is required; every other field is
// optional, and the endpoints that need a missing dependency report 503
// rather than panicking.
type Deps struct {
	Pool    *pool.Pool
	Metrics *Metrics
	Broker  *broker.Broker
	Loop    *dispatch.Loop
	Prober  *liveness.Prober
	Audit   *audit.Log
}

// Server wraps a gin engine serving the operator HTTP surface.
type Server struct {
	Deps
	engine *gin.Engine
}

// NewServer builds the gin engine. gin.SetMode should be called by the
// caller before this if a non-default mode is desired.
func NewServer(deps Deps) *Server {
	s := &Server{Deps: deps}
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	r.GET("/healthz", s.handleHealthz)
	r.GET("/pool/status", s.handlePoolStatus)
	r.GET("/logs/tail", s.handleLogsTail)
	r.POST("/pool/credential", s.handlePoolCredential)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine = r
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePoolStatus(c *gin.Context) {
	snapshot := s.Pool.Snapshot()

	paid := 0
	perFamilyWait := map[pool.ModelFamily]int64{}
	for _, family := range []pool.ModelFamily{pool.FamilyClaude, pool.FamilyGeminiFlash, pool.FamilyGeminiPro} {
		perFamilyWait[family] = s.Pool.MinWaitTimeForFamily(family)
	}
	for _, acc := range snapshot.Accounts {
		if acc.Tier == pool.TierPaid {
			paid++
		}
	}

	if s.Metrics != nil {
		s.Metrics.AccountsTotal.Set(float64(len(snapshot.Accounts)))
		s.Metrics.AccountsPaid.Set(float64(paid))
		for family, wait := range perFamilyWait {
			limited := 0.0
			if wait > 0 {
				limited = 1.0
			}
			s.Metrics.RateLimitedByFam.WithLabelValues(string(family)).Set(limited)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts":        len(snapshot.Accounts),
		"paidAccounts":    paid,
		"activeIndex":     snapshot.ActiveIndex,
		"minWaitByFamily": perFamilyWait,
	})
}

// handleLogsTail returns the most recent in-memory log entries, letting an
// operator inspect recent activity without shelling into the host to tail
// a log file.
func (s *Server) handleLogsTail(c *gin.Context) {
	n := 100
	if q := c.Query("n"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			n = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": logging.GetRecentGlobalEntries(n)})
}

// errLivenessInvalid is the sentinel the dispatch loop sees when the
// liveness probe reports an account's credentials as invalid. It never
// matches dispatch.LooksLikeRateLimit, so the loop propagates it without
// retrying against the same bad credential.
type errLivenessInvalid struct{}

func (errLivenessInvalid) Error() string { return "liveness probe reported invalid credentials" }

// handlePoolCredential drives the Credential Broker and Dispatch Loop for
// a model, the same call path a real inference client takes: it acquires
// (and, if stale, refreshes) a credential, then — when a liveness prober is
// configured — verifies it is actually accepted upstream before returning
// it, marking the account valid or invalid accordingly and recording the
// outcome to the audit log.
func (s *Server) handlePoolCredential(c *gin.Context) {
	if s.Broker == nil || s.Loop == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "credential dispatch is not configured"})
		return
	}
	model := c.Query("model")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model query parameter is required"})
		return
	}

	var issued *broker.Credential
	source := func(ctx context.Context, modelID string) (*dispatch.CredentialView, error) {
		cred, err := s.Broker.GetCredentialForModel(ctx, modelID)
		if err != nil || cred == nil {
			return nil, err
		}
		issued = cred
		return &dispatch.CredentialView{Access: cred.Access, ProjectID: cred.ProjectID, Account: cred.Account}, nil
	}
	attempt := func(ctx context.Context, cred *dispatch.CredentialView, activity *dispatch.ActivityMonitor) error {
		activity.Touch()
		if s.Prober == nil {
			return nil
		}
		if s.Prober.Test(ctx, cred.Access) == liveness.ResultInvalid {
			s.Pool.MarkInvalidCredentials(cred.Account, errLivenessInvalid{})
			return errLivenessInvalid{}
		}
		s.Pool.MarkValidCredentials(cred.Account)
		return nil
	}

	err := s.Loop.Run(c.Request.Context(), dispatch.AntigravityProvider, model, source, attempt)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if issued == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no credential available for model"})
		return
	}

	if s.Audit != nil {
		s.Audit.Record(c.Request.Context(), accountLabel(issued.Account), pool.ModelFamilyFor(model), pool.SwitchInitial, "issued via /pool/credential")
	}

	c.JSON(http.StatusOK, gin.H{
		"projectId": issued.ProjectID,
		"expires":   issued.Expires,
		"account":   accountLabel(issued.Account),
	})
}

func accountLabel(acc *pool.Account) string {
	if acc == nil {
		return "<nil>"
	}
	if acc.Email != "" {
		return acc.Email
	}
	return acc.ID
}
