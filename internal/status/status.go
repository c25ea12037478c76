// Package status serves the read-only operator surface. Nothing here can change trading posture.
package status

import (
	"context"
	"errors"
	"legguard/internal/config"
	"legguard/internal/logger"
	"legguard/internal/models"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Certification struct {
	Present     bool      `json:"present"`
	Status      string    `json:"status"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Fresh       bool      `json:"fresh"`
}

type Evidence struct {
	Green              bool   `json:"green"`
	AttributionHealthy bool   `json:"attribution_healthy"`
	AttributionReason  string `json:"attribution_reason,omitempty"`
	LedgerHealthy      bool   `json:"ledger_healthy"`
	LedgerReason       string `json:"ledger_reason,omitempty"`
}

type Latch struct {
	Set     bool     `json:"set"`
	Reasons []string `json:"reasons"`
}

type RateLimit struct {
	Rate       float64 `json:"rate"`
	Burst      float64 `json:"burst"`
	Tokens     float64 `json:"tokens"`
	Brownout   bool    `json:"brownout"`
	Degraded   bool    `json:"degraded"`
	Killed     bool    `json:"killed"`
	KillReason string  `json:"kill_reason,omitempty"`
}

type Incidents struct {
	NakedGroups    []string          `json:"naked_groups"`
	Paused         map[string]string `json:"paused"`
	LedgerInFlight int               `json:"ledger_in_flight"`
	LastReconcile  time.Time         `json:"last_reconcile,omitempty"`
	ReconcileClean bool              `json:"reconcile_clean"`
	TradeDuplicate uint64            `json:"trade_duplicates"`
}

// Snapshot is the whole status document. Mode is always the last derived value; there is no way
// to set it from here.
type Snapshot struct {
	Mode          models.TradingMode `json:"trading_mode"`
	Risk          models.RiskState   `json:"risk_state"`
	Reasons       []string           `json:"reasons"`
	ModeSince     time.Time          `json:"mode_since"`
	PolicyAgeSec  *float64           `json:"policy_age_sec"`
	Certification Certification      `json:"certification"`
	Evidence      Evidence           `json:"evidence"`
	OpenLatch     Latch              `json:"open_latch"`
	RateLimit     RateLimit          `json:"rate_limit"`
	Incidents     Incidents          `json:"incidents"`
	DryRun        bool               `json:"dry_run"`
}

type Source interface {
	Status() Snapshot
}

type Server struct {
	cfg    config.StatusConfig
	source Source
	log    *logger.Logger
	router *gin.Engine
	start  time.Time
}

func New(cfg config.StatusConfig, source Source, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, source: source, log: log, start: time.Now()}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), readOnly())
	r.GET("/api/v1/health", s.health)
	r.GET("/api/v1/status", s.status)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.router = r
	return s
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("status")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logEntry().WithField("listen", s.cfg.Listen).Info("Сервер статуса запущен.")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// readOnly answers 405 to anything but GET and HEAD, on every path.
func readOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Header("Allow", "GET, HEAD")
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"error": "Поверхность статуса доступна только для чтения."})
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Next()
		s.log.WithRequestID(requestID).WithFields(logrus.Fields{
			"component": "status",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"code":      c.Writer.Status(),
			"latency":   time.Since(started).String(),
		}).Debug("Запрос статуса.")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":               true,
		"build_id":         s.cfg.BuildID,
		"contract_version": s.cfg.ContractVersion,
		"uptime_ms":        time.Since(s.start).Milliseconds(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Status())
}
