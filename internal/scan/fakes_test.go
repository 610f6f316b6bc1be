package scan

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
	"github.com/vaptlab/vapt-orchestrator/internal/mobsf"
	"github.com/vaptlab/vapt-orchestrator/internal/zap"
)

func newTestStore(t *testing.T) *jobs.MemoryStore {
	t.Helper()
	store, err := jobs.NewMemoryStore(0)
	require.NoError(t, err)
	return store
}

// fakeZAP は状態APIが順に返す値を持つ WebScanner です。
type fakeZAP struct {
	mu           sync.Mutex
	spider       []int
	active       []int
	spiderPolls  int
	activePolls  int
	alerts       []json.RawMessage
	alertErrs    map[zap.AlertFilter]error
	alertFilters []zap.AlertFilter
	accessErr    error
}

func (f *fakeZAP) AccessURL(ctx context.Context, target string) error {
	return f.accessErr
}

func (f *fakeZAP) StartSpider(ctx context.Context, target string) (string, error) {
	return "1", nil
}

func (f *fakeZAP) SpiderStatus(ctx context.Context, scanID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.spider[min(f.spiderPolls, len(f.spider)-1)]
	f.spiderPolls++
	return v, nil
}

func (f *fakeZAP) StartActiveScan(ctx context.Context, target string) (string, error) {
	return "2", nil
}

func (f *fakeZAP) ActiveScanStatus(ctx context.Context, scanID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.active[min(f.activePolls, len(f.active)-1)]
	f.activePolls++
	return v, nil
}

func (f *fakeZAP) Alerts(ctx context.Context, filter zap.AlertFilter, target string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertFilters = append(f.alertFilters, filter)
	if err := f.alertErrs[filter]; err != nil {
		return nil, err
	}
	return f.alerts, nil
}

// fakeMobSF は MobileScanner と DocumentFetcher を兼ねます。
type fakeMobSF struct {
	mu          sync.Mutex
	hash        string
	uploadErr   error
	staticMode  mobsf.ScanMode
	static      []mobsf.AnalysisStatus
	staticPolls int
	dynamicErr  error
	dynamic     []mobsf.AnalysisStatus
	dynamicUsed bool
	report      json.RawMessage
	reportCalls int
	pdf         []byte
	pdfErr      error
}

func (f *fakeMobSF) Upload(ctx context.Context, fileName string, data []byte) (*mobsf.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &mobsf.UploadResult{FileName: fileName, Hash: f.hash, ScanType: "apk"}, nil
}

func (f *fakeMobSF) StartStaticScan(ctx context.Context, upload *mobsf.UploadResult, mode mobsf.ScanMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staticMode = mode
	return nil
}

func (f *fakeMobSF) StaticStatus(ctx context.Context, hash string) (*mobsf.AnalysisStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.static[min(f.staticPolls, len(f.static)-1)]
	f.staticPolls++
	return &s, nil
}

func (f *fakeMobSF) StartDynamic(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dynamicUsed = true
	return f.dynamicErr
}

func (f *fakeMobSF) DynamicStatus(ctx context.Context, hash string) (*mobsf.AnalysisStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.dynamic[0]
	if len(f.dynamic) > 1 {
		f.dynamic = f.dynamic[1:]
	}
	return &s, nil
}

func (f *fakeMobSF) ReportJSON(ctx context.Context, hash string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	return f.report, nil
}

func (f *fakeMobSF) DownloadPDF(ctx context.Context, hash string) ([]byte, error) {
	if f.pdfErr != nil {
		return nil, f.pdfErr
	}
	return f.pdf, nil
}

// recordingStore は Update ごとの進捗を記録します。
type recordingStore struct {
	*jobs.MemoryStore
	mu       sync.Mutex
	percents []int
	messages []string
}

func (s *recordingStore) Update(ctx context.Context, record *jobs.Record) error {
	s.mu.Lock()
	s.percents = append(s.percents, record.Progress.Percent)
	s.messages = append(s.messages, record.Message)
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, record)
}
