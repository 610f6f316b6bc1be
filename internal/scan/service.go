// Package scan は ZAP と MobSF を使ったスキャン手順と、その起動・参照を行う Service を提供します。
package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
)

var (
	// ErrNotReady はジョブがまだ成功していないことを表します。
	ErrNotReady = errors.New("job is not ready")
	// ErrUpstream はスキャナからの取得に失敗したことを表します。
	ErrUpstream = errors.New("upstream scanner error")
)

// DocumentFetcher は解析ハッシュからPDFレポートを取得します。
type DocumentFetcher interface {
	DownloadPDF(ctx context.Context, hash string) ([]byte, error)
}

// Document はダウンロード用のPDFレポートです。
type Document struct {
	JobID    string
	FileName string
	Data     []byte
}

// Service はジョブの作成、バックグラウンド起動、状態参照をまとめます。
type Service struct {
	manager   *jobs.Manager
	web       *WebOrchestrator
	mobile    *MobileOrchestrator
	documents DocumentFetcher
}

// NewService は Service を作成します。
func NewService(manager *jobs.Manager, web *WebOrchestrator, mobile *MobileOrchestrator, documents DocumentFetcher) *Service {
	return &Service{
		manager:   manager,
		web:       web,
		mobile:    mobile,
		documents: documents,
	}
}

// StartWebScan はジョブを作成して Web スキャンを開始し、ジョブIDを返します。
func (s *Service) StartWebScan(ctx context.Context, target string) (string, error) {
	jobID, err := s.manager.Store().Create(ctx, jobs.KindWebScan, target)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.manager.Launch(jobID, jobs.KindWebScan, func(ctx context.Context) error {
		return s.web.Run(ctx, jobID, target)
	})
	return jobID, nil
}

// StartMobileScan はジョブを作成してモバイルスキャンを開始し、ジョブIDを返します。
func (s *Service) StartMobileScan(ctx context.Context, fileName string, data []byte) (string, error) {
	jobID, err := s.manager.Store().Create(ctx, jobs.KindMobileScan, fileName)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.manager.Launch(jobID, jobs.KindMobileScan, func(ctx context.Context) error {
		return s.mobile.Run(ctx, jobID, fileName, data)
	})
	return jobID, nil
}

// Job は kind のジョブを返します。種類が異なる場合も jobs.ErrNotFound を返します。
func (s *Service) Job(ctx context.Context, kind jobs.Kind, jobID string) (*jobs.Record, error) {
	record, err := s.manager.Store().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.Kind != kind {
		return nil, jobs.ErrNotFound
	}
	return record, nil
}

// ReportDocument は成功したモバイルスキャンのPDFレポートを取得します。
func (s *Service) ReportDocument(ctx context.Context, jobID string) (*Document, error) {
	record, err := s.Job(ctx, jobs.KindMobileScan, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != jobs.StatusSucceeded || record.ArtifactRef == "" {
		return nil, ErrNotReady
	}
	data, err := s.documents.DownloadPDF(ctx, record.ArtifactRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &Document{
		JobID:    record.JobID,
		FileName: reportFileName(record.Target),
		Data:     data,
	}, nil
}

// Running は実行中のスキャン数を返します。
func (s *Service) Running() int {
	return s.manager.Running()
}

func reportFileName(target string) string {
	base := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "mobile-scan"
	}
	return base + "-report.pdf"
}
