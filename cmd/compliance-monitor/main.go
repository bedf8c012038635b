package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/synaptica-ai/medshield/pkg/common/config"
	"github.com/synaptica-ai/medshield/pkg/common/kafka"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/events"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"github.com/synaptica-ai/medshield/pkg/privacy"
)

// compliance-monitor re-inspects every dispatch event that reached the topic
// and reports anything the publishing side should have blocked.
func main() {
	logger.Init()
	cfg := config.Load()

	registry := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(registry); err != nil {
		logger.Log.WithError(err).Fatal("Failed to register metrics")
	}

	rules, err := privacy.LoadRules(cfg.PrivacyRulesFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load privacy rules")
	}
	guard, err := privacy.NewGuard(rules)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to compile privacy rules")
	}
	monitor := events.NewMonitor(guard, m)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaDispatchTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		inspected, violations := monitor.Stats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","inspected":%d,"violations":%d}`, inspected, violations)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"topic": cfg.KafkaDispatchTopic,
			"group": cfg.KafkaGroupID,
			"port":  cfg.ServerPort,
		}).Info("Compliance monitor started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Consume(ctx, monitor.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Error("Dispatch consumer stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	logger.Log.Info("Shutting down compliance monitor...")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	inspected, violations := monitor.Stats()
	logger.Log.WithFields(map[string]interface{}{
		"inspected":  inspected,
		"violations": violations,
	}).Info("Compliance monitor stopped")
}
