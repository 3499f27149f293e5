package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tollgate-labs/tollgate/pkg/alignment"
	"github.com/tollgate-labs/tollgate/pkg/api"
	"github.com/tollgate-labs/tollgate/pkg/approval"
	"github.com/tollgate-labs/tollgate/pkg/arbiter"
	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/auth"
	"github.com/tollgate-labs/tollgate/pkg/config"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
	"github.com/tollgate-labs/tollgate/pkg/gate"
	"github.com/tollgate-labs/tollgate/pkg/identity"
	"github.com/tollgate-labs/tollgate/pkg/ledger"
	"github.com/tollgate-labs/tollgate/pkg/normalizer"
	"github.com/tollgate-labs/tollgate/pkg/observability"
	"github.com/tollgate-labs/tollgate/pkg/policy"
	"github.com/tollgate-labs/tollgate/pkg/ratelimit"
	"github.com/tollgate-labs/tollgate/pkg/session"
)

func runServer() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database. The session journal and the decision ledger share one
	// connection pool.
	driver := "sqlite"
	if cfg.DatabaseDriver == "postgres" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database open: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database ping: %v", err)
	}
	logger.Info("database connected", "driver", driver)

	// Session store: in-memory truth, journal for durability, optional
	// S3 archive for terminated sessions.
	journal, err := session.NewSQLJournal(ctx, db)
	if err != nil {
		log.Fatalf("session journal: %v", err)
	}
	storeOpts := []session.StoreOption{
		session.WithJournal(journal),
		session.WithLogger(logger),
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := session.NewS3Archiver(ctx, session.S3ArchiverConfig{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchivePrefix,
		})
		if err != nil {
			log.Fatalf("session archive: %v", err)
		}
		storeOpts = append(storeOpts, session.WithArchiver(archiver))
		logger.Info("session archive enabled", "bucket", cfg.ArchiveBucket)
	}
	store := session.NewMemoryStore(storeOpts...)
	if err := journal.Replay(ctx, store); err != nil {
		log.Fatalf("session replay: %v", err)
	}

	// Policy bundles, hot-reloaded on change.
	provider := policy.NewProvider()
	loader := policy.NewLoader(cfg.PolicyDir, provider, logger)
	rs, err := loader.Load()
	if err != nil {
		log.Fatalf("policy load: %v", err)
	}
	logger.Info("policy loaded", "version", rs.Version, "hash", rs.Hash)
	auditLog := audit.NewLogger()
	loader.OnReload(func(rs *policy.RuleSet) {
		logger.Info("policy reloaded", "version", rs.Version, "hash", rs.Hash)
		if err := auditLog.Record(ctx, audit.EventPolicy, "", "", rs.Hash, map[string]any{
			"version": rs.Version,
		}); err != nil {
			logger.Warn("audit record failed", "error", err)
		}
	})
	if err := loader.Watch(ctx); err != nil {
		log.Fatalf("policy watch: %v", err)
	}

	// Tuning profile overrides the evaluation defaults.
	alignCfg := alignment.DefaultConfig()
	arbCfg := arbiter.DefaultConfig()
	arbCfg.ApprovalTimeout = cfg.ApprovalTimeout
	var normOpts []normalizer.Option
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("tuning profile: %v", err)
		}
		applyProfile(profile, &alignCfg, &arbCfg)
		if len(profile.Sensitivity.Rules) > 0 || profile.Sensitivity.Fallback != "" {
			classifier, err := buildClassifier(profile.Sensitivity)
			if err != nil {
				log.Fatalf("sensitivity rules: %v", err)
			}
			normOpts = append(normOpts, normalizer.WithClassifier(classifier))
		}
		logger.Info("tuning profile applied", "name", profile.Name)
	}

	// Tool descriptors.
	descriptors, err := normalizer.LoadDescriptors(cfg.DescriptorPath)
	if err != nil {
		log.Fatalf("tool descriptors: %v", err)
	}
	norm, err := normalizer.New(descriptors, normOpts...)
	if err != nil {
		log.Fatalf("normalizer: %v", err)
	}
	logger.Info("operations registered", "count", len(norm.Operations()))
	align, err := alignment.New(alignCfg)
	if err != nil {
		log.Fatalf("alignment: %v", err)
	}

	approvals := approval.NewManager()
	store.OnTerminate(approvals.CancelSession)

	arb, err := arbiter.New(arbCfg, approvals)
	if err != nil {
		log.Fatalf("arbiter: %v", err)
	}

	led := ledger.NewSQLLedger(db)
	if err := led.Init(ctx); err != nil {
		log.Fatalf("ledger init: %v", err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("observability: %v", err)
	}

	g, err := gate.New(norm, store, provider, align, arb, led,
		gate.WithAudit(auditLog),
		gate.WithObservability(obs),
		gate.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("gate: %v", err)
	}

	// Identity. Keys live in memory; the bootstrap token below is the
	// only way in until callers exchange it for scoped tokens.
	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("keyset: %v", err)
	}
	tokens := identity.NewTokenManager(keySet)
	bootstrap, err := tokens.GenerateToken(contracts.ActorIdentity{
		ID:   "bootstrap",
		Type: contracts.PrincipalService,
	}, 24*time.Hour)
	if err != nil {
		log.Fatalf("bootstrap token: %v", err)
	}
	logger.Info("bootstrap token issued", "token", bootstrap)

	// Rate limiting: Redis when configured, per-process otherwise.
	var limiter ratelimit.LimiterStore = ratelimit.NewMemoryLimiterStore()
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("distributed rate limiter enabled", "addr", cfg.RedisAddr)
	}
	rlPolicy := ratelimit.Policy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}

	srv := api.NewServer(g, approvals)
	handler := auth.NewMiddleware(tokens)(
		auth.RateLimitMiddleware(limiter, rlPolicy)(srv.Routes()))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gate listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildClassifier compiles the profile's sensitivity rules.
func buildClassifier(tuning config.SensitivityTuning) (normalizer.Classifier, error) {
	rules := make([]normalizer.SensitivityRule, 0, len(tuning.Rules))
	for _, r := range tuning.Rules {
		rules = append(rules, normalizer.SensitivityRule{
			Pattern:     r.Pattern,
			Sensitivity: contracts.Sensitivity(r.Level),
		})
	}
	return normalizer.NewRuleClassifier(rules, contracts.Sensitivity(tuning.Fallback))
}

// applyProfile copies the non-zero tuning fields over the defaults.
func applyProfile(p *config.TuningProfile, alignCfg *alignment.Config, arbCfg *arbiter.Config) {
	a := p.Alignment
	if a.ThresholdAligned > 0 {
		alignCfg.ThresholdAligned = a.ThresholdAligned
	}
	if a.ThresholdMisaligned > 0 {
		alignCfg.ThresholdMisaligned = a.ThresholdMisaligned
	}
	if a.SemanticWeight > 0 {
		alignCfg.SemanticWeight = a.SemanticWeight
	}
	if a.TrajectoryWeight > 0 {
		alignCfg.TrajectoryWeight = a.TrajectoryWeight
	}
	if a.SensitivityPenalty > 0 {
		alignCfg.SensitivityPenalty = a.SensitivityPenalty
	}
	if len(a.InternalDomains) > 0 {
		alignCfg.InternalDomains = a.InternalDomains
	}
	if p.Arbiter.IndeterminateMode != "" {
		arbCfg.IndeterminateMode = arbiter.IndeterminateMode(p.Arbiter.IndeterminateMode)
	}
}
