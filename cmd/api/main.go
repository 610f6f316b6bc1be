// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaptlab/vapt-orchestrator/internal/config"
	vlog "github.com/vaptlab/vapt-orchestrator/internal/log"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "api",
	Short:        "VAPT orchestrator for ZAP and MobSF scans",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP API server",
	RunE:  doServe,
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "query /api/health of a running server and exit non-zero when it is down",
	RunE:  doHealthcheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("api: version info not available")
			return
		}
		fmt.Printf("api:    %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			}
		}
	},
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initAPI

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(versionCmd)

	// サブコマンド無しは serve として扱う
	rootCmd.RunE = doServe

	if err := rootCmd.Execute(); err != nil {
		slog.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func initAPI(cmd *cobra.Command, _ []string) error {
	if cmd == versionCmd {
		return nil
	}
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = vlog.New(cfg.LogLevel)
	slog.SetDefault(logger)
	return nil
}

func doHealthcheck(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	url := "http://127.0.0.1:" + cfg.Port + "/api/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
	return nil
}
