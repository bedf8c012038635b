package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/synaptica-ai/medshield/pkg/agents"
	"github.com/synaptica-ai/medshield/pkg/api"
	"github.com/synaptica-ai/medshield/pkg/common/config"
	"github.com/synaptica-ai/medshield/pkg/common/database"
	"github.com/synaptica-ai/medshield/pkg/common/kafka"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/conversation"
	"github.com/synaptica-ai/medshield/pkg/events"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"github.com/synaptica-ai/medshield/pkg/policy"
	"github.com/synaptica-ai/medshield/pkg/privacy"
	"github.com/synaptica-ai/medshield/pkg/resolution"
	"github.com/synaptica-ai/medshield/pkg/session"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

func main() {
	logger.Init()
	cfg := config.Load()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(registry); err != nil {
		logger.Log.WithError(err).Fatal("Failed to register metrics")
	}

	// Identity vault
	db, err := database.OpenVault(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to open identity vault")
	}
	defer database.Close(db)

	identityVault := vault.New(db, vault.WithMetrics(m))
	if err := identityVault.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate identity vault")
	}

	// Sessions
	var store session.Store
	switch cfg.SessionBackend {
	case "redis":
		client, err := database.NewRedis(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to connect session store")
		}
		defer client.Close()
		store = session.NewRedisStore(client, cfg.SessionTimeout, cfg.SessionLockTimeout)
	default:
		store = session.NewMemoryStore(cfg.SessionTimeout)
	}
	sessions := session.NewManager(store, cfg.SessionHistoryLimit, m)

	// Rules
	policyCfg, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load conversation policy")
	}
	pol := policy.New(policyCfg)

	rules, err := privacy.LoadRules(cfg.PrivacyRulesFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load privacy rules")
	}
	guard, err := privacy.NewGuard(rules)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to compile privacy rules")
	}

	// Agents. The extraction model sees raw text and must run locally; the
	// cloud model only ever receives pseudonymous input.
	localLLM := agents.NewLLMClient(agents.LLMConfig{
		BaseURL: cfg.ExtractorBaseURL,
		Model:   cfg.ExtractorModel,
		Timeout: cfg.LLMTimeout,
		Retries: cfg.LLMRetries,
	})
	cloudLLM := agents.NewLLMClient(agents.LLMConfig{
		BaseURL:      cfg.CloudLLMBaseURL,
		APIKey:       cfg.CloudLLMAPIKey,
		Model:        cfg.CloudLLMModel,
		Timeout:      cfg.LLMTimeout,
		Retries:      cfg.LLMRetries,
		TokenURL:     cfg.CloudLLMTokenURL,
		ClientID:     cfg.CloudLLMClientID,
		ClientSecret: cfg.CloudLLMClientSecret,
	})
	if !localLLM.Enabled() {
		logger.Log.Warn("Extraction model not configured, using rule-based extraction")
	}
	if !cloudLLM.Enabled() {
		logger.Log.Warn("Cloud model not configured, using fallback plans")
	}

	// Events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.EventsEnabled {
		publisher = events.NewKafkaPublisher(kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaDispatchTopic), guard, m)
		logger.Log.WithField("topic", cfg.KafkaDispatchTopic).Info("Dispatch events enabled")
	}
	defer publisher.Close()

	resolver := resolution.NewResolver(identityVault)
	orchestrator := conversation.New(conversation.Dependencies{
		Sessions:  sessions,
		Vault:     identityVault,
		Resolver:  resolver,
		Extractor: agents.NewLLMExtractor(localLLM, pol.Semantic, guard, m),
		Planner:   agents.NewLLMPlanner(cloudLLM, m),
		Executor:  agents.NewSchedulingExecutor(cloudLLM, time.Now, m),
		Policy:    pol,
		Guard:     guard,
		Publisher: publisher,
		Metrics:   m,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go sessions.RunSweeper(bgCtx, cfg.SessionSweepInterval)
	go watchCompliance(bgCtx, identityVault, cfg.ComplianceCheckInterval)

	router := api.NewRouter(orchestrator, identityVault, api.Options{
		MaxBodyBytes:   cfg.MaxRequestBody,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Patients:       resolver,
		Gatherer:       registry,
	})

	// Server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":          cfg.ServerHost,
			"port":          cfg.ServerPort,
			"vault_driver":  cfg.VaultDriver,
			"session_store": cfg.SessionBackend,
		}).Info("MedShield started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down MedShield...")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("MedShield stopped")
}

// watchCompliance re-checks the audit log periodically. The report updates
// the compliance gauges and logs any cloud-exposed entry.
func watchCompliance(ctx context.Context, v *vault.Vault, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.ComplianceReport(ctx); err != nil {
				logger.Log.WithError(err).Warn("Compliance check failed")
			}
		}
	}
}
