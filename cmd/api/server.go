package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vaptlab/vapt-orchestrator/internal/api"
	"github.com/vaptlab/vapt-orchestrator/internal/config"
	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
	"github.com/vaptlab/vapt-orchestrator/internal/mobsf"
	"github.com/vaptlab/vapt-orchestrator/internal/scan"
	"github.com/vaptlab/vapt-orchestrator/internal/zap"
)

// 停止時に HTTP サーバーと実行中スキャンを待つ上限
const shutdownTimeout = 10 * time.Second

type app struct {
	router  *gin.Engine
	manager *jobs.Manager
	store   jobs.Store
	sweeper *jobs.Sweeper
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server", "addr", srv.Addr, "baseUrl", cfg.PublicBaseURL, "mode", cfg.GinMode,
			"zap", cfg.ZAPURL(), "mobsf", cfg.MobSFURL(), "job_store", cfg.JobStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		// スキャンはキャンセルしない。待ちきれなかったものはプロセス終了とともに失われる
		if err := a.manager.Wait(shutdownCtx); err != nil {
			logger.Warn("scans still running at shutdown", "running", a.manager.Running())
		}
		return a.close()
	})
	return g.Wait()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	switch cfg.JobStore {
	case "redis":
		store, err := jobs.NewRedisStoreFromURL(ctx, cfg.JobRedisURL, cfg.JobRetention(), cfg.JobActiveTTL)
		if err != nil {
			return nil, fmt.Errorf("connecting job store: %w", err)
		}
		a.store = store
	default:
		store, err := jobs.NewMemoryStore(cfg.JobRetention())
		if err != nil {
			return nil, fmt.Errorf("creating job store: %w", err)
		}
		a.store = store
		if cfg.JobRetention() > 0 {
			sweeper, err := jobs.NewSweeper(store, cfg.JobSweepInterval, logger)
			if err != nil {
				return nil, err
			}
			a.sweeper = sweeper
		}
	}

	manager, err := jobs.NewManager(a.store, logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.manager = manager

	// スキャン全体にもAPI呼び出しにもタイムアウトは設けない
	zapClient, err := zap.New(cfg.ZAPURL(), cfg.ZAPKey, &http.Client{})
	if err != nil {
		_ = a.close()
		return nil, err
	}
	mobsfClient, err := mobsf.New(cfg.MobSFURL(), cfg.MobSFAPIKey)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	mode, err := mobsf.ParseScanMode(cfg.MobSFScanMode)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	web := scan.NewWebOrchestrator(zapClient, a.store, cfg.ZAPPollInterval, logger)
	mobile, err := scan.NewMobileOrchestrator(mobsfClient, a.store, scan.MobileOptions{
		Mode:            mode,
		PollInterval:    cfg.MobSFPollInterval,
		DynamicAnalysis: cfg.MobSFDynamicAnalysis,
	}, logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	svc := scan.NewService(manager, web, mobile, mobsfClient)

	probes := map[string]api.Probe{
		"zap": func(ctx context.Context) error {
			_, err := zapClient.Version(ctx)
			return err
		},
		"mobsf": mobsfClient.Ping,
	}
	handler := api.NewHandler(svc, api.UploadPolicy{
		MaxSize:           cfg.MaxUploadSize,
		AllowedExtensions: cfg.AllowedExtensions,
	}, probes, cfg.PublicBaseURL, logger)
	a.router = api.NewRouter(handler, api.RouterOptions{
		SessionSecret:      cfg.SessionSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		SecureCookies:      cfg.GinMode == gin.ReleaseMode,
		Logger:             logger,
	})
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.sweeper != nil {
		errs = append(errs, a.sweeper.Shutdown())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
