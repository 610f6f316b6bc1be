package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
	"github.com/vaptlab/vapt-orchestrator/internal/mobsf"
)

// MobileScanner はモバイルスキャン手順で使う MobSF の操作です。
type MobileScanner interface {
	Upload(ctx context.Context, fileName string, data []byte) (*mobsf.UploadResult, error)
	StartStaticScan(ctx context.Context, upload *mobsf.UploadResult, mode mobsf.ScanMode) error
	StaticStatus(ctx context.Context, hash string) (*mobsf.AnalysisStatus, error)
	StartDynamic(ctx context.Context, hash string) error
	DynamicStatus(ctx context.Context, hash string) (*mobsf.AnalysisStatus, error)
	ReportJSON(ctx context.Context, hash string) (json.RawMessage, error)
}

// MobileOptions はモバイルスキャン手順の設定です。
type MobileOptions struct {
	Mode            mobsf.ScanMode
	PollInterval    time.Duration
	DynamicAnalysis bool // polled モードでのみ有効
}

// 進捗の帯
const (
	progressUploaded     = 30
	progressStaticStart  = 40
	progressStaticSync   = 90
	progressDynamicStart = 70
	progressReport       = 95
	progressCap          = 99
)

// MobileOrchestrator はアップロードされたアプリ1件に対する MobSF の解析手順を実行します。
type MobileOrchestrator struct {
	client MobileScanner
	store  jobs.Store
	opts   MobileOptions
	logger *slog.Logger
}

// NewMobileOrchestrator は MobileOrchestrator を作成します。
func NewMobileOrchestrator(client MobileScanner, store jobs.Store, opts MobileOptions, logger *slog.Logger) (*MobileOrchestrator, error) {
	switch opts.Mode {
	case mobsf.ScanModeSync, mobsf.ScanModePolled:
	default:
		return nil, fmt.Errorf("unknown scan mode %q", opts.Mode)
	}
	if opts.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MobileOrchestrator{
		client: client,
		store:  store,
		opts:   opts,
		logger: logger,
	}, nil
}

// mobileRun は1回の実行中の状態です。進捗は単調増加に保ちます。
type mobileRun struct {
	tracker *jobs.Tracker
	percent int
}

func (r *mobileRun) report(ctx context.Context, percent int, message string, mutate func(*jobs.Record)) error {
	if percent > progressCap {
		percent = progressCap
	}
	if percent > r.percent {
		r.percent = percent
	}
	return r.tracker.Update(ctx, func(rec *jobs.Record) {
		rec.Progress.Percent = r.percent
		rec.Message = message
		if mutate != nil {
			mutate(rec)
		}
	})
}

// Run は解析手順を実行します。data はアップロードされたファイルの内容で、この呼び出しの間だけ保持されます。
func (o *MobileOrchestrator) Run(ctx context.Context, jobID, fileName string, data []byte) error {
	tracker, err := jobs.Track(ctx, o.store, jobID)
	if err != nil {
		return err
	}
	run := &mobileRun{tracker: tracker}

	if err := run.report(ctx, 0, "Uploading "+fileName+" to MobSF", nil); err != nil {
		return err
	}
	upload, err := o.client.Upload(ctx, fileName, data)
	if err != nil {
		return jobs.NewError("UPSTREAM_ERROR", "upload failed", err)
	}
	if err := run.report(ctx, 20, "Upload complete", nil); err != nil {
		return err
	}
	if err := run.report(ctx, progressUploaded, "Uploaded (hash "+upload.Hash+")", func(rec *jobs.Record) {
		rec.ArtifactRef = upload.Hash
	}); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "app uploaded", "hash", upload.Hash, "scan_type", upload.ScanType)

	if err := run.report(ctx, progressStaticStart, "Static analysis started", nil); err != nil {
		return err
	}
	if err := o.client.StartStaticScan(ctx, upload, o.opts.Mode); err != nil {
		return jobs.NewError("UPSTREAM_ERROR", "static analysis failed", err)
	}

	switch o.opts.Mode {
	case mobsf.ScanModeSync:
		if err := run.report(ctx, progressStaticSync, "Static analysis complete", nil); err != nil {
			return err
		}
	case mobsf.ScanModePolled:
		if err := o.pollStatic(ctx, run, upload.Hash); err != nil {
			return err
		}
		if o.opts.DynamicAnalysis {
			if err := o.dynamic(ctx, run, upload.Hash); err != nil {
				return err
			}
		}
	}

	if err := run.report(ctx, progressReport, "Fetching report", nil); err != nil {
		return err
	}
	report, err := o.client.ReportJSON(ctx, upload.Hash)
	if err != nil {
		return jobs.NewError("UPSTREAM_ERROR", "failed to fetch report", err)
	}

	summary := summarizeReport(report)
	started := tracker.Snapshot()
	o.logger.InfoContext(ctx, "mobile scan completed", "hash", upload.Hash, "elapsed", time.Since(started.CreatedAt).Round(time.Second))
	return tracker.Succeed(ctx, report, func(rec *jobs.Record) {
		rec.Progress.Percent = 100
		rec.Message = "Scan completed"
		rec.Summary = summary
	})
}

func (o *MobileOrchestrator) pollStatic(ctx context.Context, run *mobileRun, hash string) error {
	for {
		status, err := o.client.StaticStatus(ctx, hash)
		if err != nil {
			return jobs.NewError("UPSTREAM_ERROR", "failed to read static analysis status", err)
		}
		switch status.Status {
		case mobsf.AnalysisCompleted:
			return run.report(ctx, progressStaticSync, "Static analysis complete", nil)
		case mobsf.AnalysisFailed:
			return jobs.NewError("UPSTREAM_ERROR", "static analysis failed", nil)
		}
		percent := scaleProgress(progressStaticStart, 100, status.Progress)
		if err := run.report(ctx, percent, fmt.Sprintf("Static analysis: %d%%", clamp(status.Progress)), nil); err != nil {
			return err
		}
		if err := wait(ctx, o.opts.PollInterval); err != nil {
			return err
		}
	}
}

// dynamic は動的解析を試みます。MobSF 側の失敗はジョブを失敗させず、レポート取得へ進みます。
func (o *MobileOrchestrator) dynamic(ctx context.Context, run *mobileRun, hash string) error {
	if err := o.client.StartDynamic(ctx, hash); err != nil {
		if errors.Is(err, mobsf.ErrNotSupported) {
			o.logger.InfoContext(ctx, "dynamic analysis not available, skipping", "error", err)
		} else {
			o.logger.WarnContext(ctx, "dynamic analysis could not be started, skipping", "error", err)
		}
		return nil
	}
	if err := run.report(ctx, progressDynamicStart, "Dynamic analysis started", nil); err != nil {
		return err
	}
	for {
		status, err := o.client.DynamicStatus(ctx, hash)
		if err != nil {
			o.logger.WarnContext(ctx, "dynamic analysis status unavailable, skipping", "error", err)
			return nil
		}
		switch status.Status {
		case mobsf.AnalysisCompleted:
			return run.report(ctx, progressStaticSync, "Dynamic analysis complete", nil)
		case mobsf.AnalysisFailed:
			o.logger.WarnContext(ctx, "dynamic analysis failed, continuing with static report")
			return nil
		}
		percent := scaleProgress(progressDynamicStart, 100, status.Progress)
		if err := run.report(ctx, percent, fmt.Sprintf("Dynamic analysis: %d%%", clamp(status.Progress)), nil); err != nil {
			return err
		}
		if err := wait(ctx, o.opts.PollInterval); err != nil {
			return err
		}
	}
}

var severityNames = map[string]string{
	"high":          "high",
	"critical":      "high",
	"medium":        "medium",
	"warning":       "medium",
	"low":           "low",
	"info":          "info",
	"informational": "info",
	"secure":        "secure",
	"hotspot":       "hotspot",
}

// summarizeReport は findings または appsec ブロックの配列から重要度ごとの件数を数えます。
// どちらも無いレポートでは nil を返します。
func summarizeReport(report json.RawMessage) map[string]int {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(report, &top); err != nil {
		return nil
	}
	var summary map[string]int
	for _, block := range []string{"findings", "appsec"} {
		raw, ok := top[block]
		if !ok {
			continue
		}
		var groups map[string]json.RawMessage
		if err := json.Unmarshal(raw, &groups); err != nil {
			continue
		}
		for key, value := range groups {
			name, ok := severityNames[strings.ToLower(key)]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(value, &items); err != nil {
				continue
			}
			if summary == nil {
				summary = map[string]int{}
			}
			summary[name] += len(items)
		}
		if summary != nil {
			break
		}
	}
	return summary
}
