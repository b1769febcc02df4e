package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quillon/dmarcwatch/internal/config"
	"github.com/quillon/dmarcwatch/internal/database"
	"github.com/quillon/dmarcwatch/internal/logger"
	"github.com/quillon/dmarcwatch/internal/mailbox"
	"github.com/quillon/dmarcwatch/internal/metrics"
	"github.com/quillon/dmarcwatch/internal/reasoning"
	"github.com/quillon/dmarcwatch/internal/scheduler"
	"github.com/quillon/dmarcwatch/internal/server"
	"github.com/quillon/dmarcwatch/internal/services"
	"github.com/quillon/dmarcwatch/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Log to both stdout and a rotated file next to the database.
	logDir := filepath.Join(filepath.Dir(cfg.DatabasePath), "logs")
	_ = os.MkdirAll(logDir, 0o755)
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "dmarcwatch.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.Environment == "development", io.MultiWriter(os.Stdout, rotator))

	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	var reasoningClient reasoning.Client
	if cfg.Anthropic.APIKey != "" {
		reasoningClient = reasoning.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	} else {
		logger.Log().Warn("No Anthropic API key configured, assessment stage will fail until one is set")
	}

	alertService := services.NewAlertService(db, services.NewSMTPSender(cfg.SMTP), cfg.SMTP)
	assessmentService := services.NewAssessmentService(db, reasoningClient, alertService, cfg.AssessDelay)
	intakeService := services.NewIntakeService(db, cfg.IMAP, mailbox.Dial)

	pipeline := scheduler.New(intakeService, assessmentService, cfg.CronSpec, cfg.OpsAlertURL)
	if err := pipeline.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	defer pipeline.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(pipeline, registry, cfg)
	logger.Log().Infof("listening on :%s", cfg.HTTPPort)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
