package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
	"github.com/vaptlab/vapt-orchestrator/internal/zap"
)

// WebScanner は Web スキャン手順で使う ZAP の操作です。
type WebScanner interface {
	AccessURL(ctx context.Context, target string) error
	StartSpider(ctx context.Context, target string) (string, error)
	SpiderStatus(ctx context.Context, scanID string) (int, error)
	StartActiveScan(ctx context.Context, target string) (string, error)
	ActiveScanStatus(ctx context.Context, scanID string) (int, error)
	Alerts(ctx context.Context, filter zap.AlertFilter, target string) ([]json.RawMessage, error)
}

// アラート API は ZAP の設定によって baseurl を拒否することがあるため、緩い順に試します。
var alertFilters = []zap.AlertFilter{
	zap.AlertFilterNone,
	zap.AlertFilterEmpty,
	zap.AlertFilterTarget,
}

// WebResult は Web スキャン結果の外形です。
type WebResult struct {
	Site []WebSite `json:"site"`
}

// WebSite は1サイト分のアラート一覧です。アラートは ZAP が返した形のまま保持します。
type WebSite struct {
	Alerts []json.RawMessage `json:"alerts"`
}

// WebOrchestrator は1つの対象URLに対する ZAP のスキャン手順を最後まで実行します。
type WebOrchestrator struct {
	client   WebScanner
	store    jobs.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewWebOrchestrator は WebOrchestrator を作成します。
func NewWebOrchestrator(client WebScanner, store jobs.Store, interval time.Duration, logger *slog.Logger) *WebOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebOrchestrator{
		client:   client,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Run はスキャン手順を実行します。エラーを返した場合、呼び出し側がジョブを failed にします。
//
// spider と active scan は続けて開始し、spider の完了を待たずに active scan を走らせます。
func (o *WebOrchestrator) Run(ctx context.Context, jobID, target string) error {
	tracker, err := jobs.Track(ctx, o.store, jobID)
	if err != nil {
		return err
	}
	var spider, active int
	progress := func(message string) error {
		return tracker.Update(ctx, func(r *jobs.Record) {
			r.Progress.Spider = spider
			r.Progress.ActiveScan = active
			r.Progress.Percent = (spider + active) / 2
			r.Message = message
		})
	}

	if err := progress("Registering target with ZAP"); err != nil {
		return err
	}
	if err := o.client.AccessURL(ctx, target); err != nil {
		return jobs.NewError("UPSTREAM_ERROR", "failed to register target with ZAP", err)
	}
	o.logger.DebugContext(ctx, "target registered", "target", target)

	spiderID, err := o.client.StartSpider(ctx, target)
	if err != nil {
		return jobs.NewError("UPSTREAM_ERROR", "failed to start spider", err)
	}
	activeID, err := o.client.StartActiveScan(ctx, target)
	if err != nil {
		return jobs.NewError("UPSTREAM_ERROR", "failed to start active scan", err)
	}
	o.logger.DebugContext(ctx, "spider and active scan started", "spider_id", spiderID, "active_scan_id", activeID)

	for {
		spider, err = o.client.SpiderStatus(ctx, spiderID)
		if err != nil {
			return jobs.NewError("UPSTREAM_ERROR", "failed to read spider status", err)
		}
		spider = clamp(spider)
		if err := progress(compositeMessage(spider, active)); err != nil {
			return err
		}
		if spider >= 100 {
			break
		}
		if err := wait(ctx, o.interval); err != nil {
			return err
		}
	}

	for {
		active, err = o.client.ActiveScanStatus(ctx, activeID)
		if err != nil {
			return jobs.NewError("UPSTREAM_ERROR", "failed to read active scan status", err)
		}
		active = clamp(active)
		if err := progress(compositeMessage(spider, active)); err != nil {
			return err
		}
		if active >= 100 {
			break
		}
		if err := wait(ctx, o.interval); err != nil {
			return err
		}
	}

	if err := progress("Retrieving alerts"); err != nil {
		return err
	}
	alerts, err := o.fetchAlerts(ctx, target)
	if err != nil {
		return err
	}

	result, err := json.Marshal(WebResult{Site: []WebSite{{Alerts: alerts}}})
	if err != nil {
		return fmt.Errorf("encoding scan result: %w", err)
	}
	summary := summarizeAlerts(alerts)
	started := tracker.Snapshot()
	o.logger.InfoContext(ctx, "web scan completed", "alerts", len(alerts), "elapsed", time.Since(started.CreatedAt).Round(time.Second))
	return tracker.Succeed(ctx, result, func(r *jobs.Record) {
		r.Progress = jobs.ProgressInfo{Percent: 100, Spider: 100, ActiveScan: 100}
		r.Message = fmt.Sprintf("Scan completed: %d alerts", len(alerts))
		r.Summary = summary
	})
}

func (o *WebOrchestrator) fetchAlerts(ctx context.Context, target string) ([]json.RawMessage, error) {
	var (
		failures []string
		lastErr  error
	)
	for _, filter := range alertFilters {
		alerts, err := o.client.Alerts(ctx, filter, target)
		if err == nil {
			return alerts, nil
		}
		o.logger.WarnContext(ctx, "alert query rejected", "filter", filter.String(), "error", err)
		if lastErr != nil {
			failures = append(failures, lastErr.Error())
		}
		lastErr = fmt.Errorf("%s: %w", filter, err)
	}
	msg := fmt.Sprintf("failed to retrieve alerts after %d attempts", len(alertFilters))
	if len(failures) > 0 {
		msg += " (" + strings.Join(failures, "; ") + ")"
	}
	return nil, jobs.NewError("UPSTREAM_ERROR", msg, lastErr)
}

func compositeMessage(spider, active int) string {
	return fmt.Sprintf("Spider: %d%% | Active scan: %d%%", spider, active)
}

var riskCodeNames = map[string]string{
	"3": "high",
	"2": "medium",
	"1": "low",
	"0": "informational",
}

// summarizeAlerts はリスクごとのアラート件数を数えます。
func summarizeAlerts(alerts []json.RawMessage) map[string]int {
	summary := map[string]int{"high": 0, "medium": 0, "low": 0, "informational": 0}
	for _, raw := range alerts {
		var alert struct {
			RiskCode string `json:"riskcode"`
			Risk     string `json:"risk"`
		}
		if err := json.Unmarshal(raw, &alert); err != nil {
			continue
		}
		name, ok := riskCodeNames[alert.RiskCode]
		if !ok {
			name = strings.ToLower(strings.TrimSpace(alert.Risk))
		}
		if _, known := summary[name]; known {
			summary[name]++
		}
	}
	return summary
}
