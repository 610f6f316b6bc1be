// Package mobsf は Mobile Security Framework (MobSF) REST API のクライアントです。
package mobsf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	apiKeyHeader = "X-Mobsf-Api-Key"
	maxErrorBody = 512
)

// ErrNotSupported は MobSF が機能（動的解析など）を受け付けなかったことを表します。
var ErrNotSupported = errors.New("capability not supported by MobSF")

// ScanMode は静的解析 API の契約の違いを表します。起動時に一つを選択します。
type ScanMode string

const (
	// ScanModeSync は /api/v1/scan が解析完了まで戻らない契約です（フォーム送信）。
	ScanModeSync ScanMode = "sync"
	// ScanModePolled は /api/v1/scan がすぐに戻り、状態APIをポーリングする契約です（JSON送信）。
	ScanModePolled ScanMode = "polled"
)

// ParseScanMode は設定値を ScanMode に変換します。
func ParseScanMode(raw string) (ScanMode, error) {
	switch ScanMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ScanModeSync:
		return ScanModeSync, nil
	case ScanModePolled:
		return ScanModePolled, nil
	default:
		return "", fmt.Errorf("unknown MobSF scan mode %q", raw)
	}
}

// 解析状態APIが返す状態値です。
const (
	AnalysisRunning   = "running"
	AnalysisCompleted = "completed"
	AnalysisFailed    = "failed"
)

// HTTPError は MobSF が 2xx 以外を返したことを表します。
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("MobSF %s returned status %d", e.Endpoint, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// UploadResult はアップロード API のレスポンスです。Hash が以降の呼び出しの鍵になります。
type UploadResult struct {
	FileName string `json:"file_name"`
	Hash     string `json:"hash"`
	ScanType string `json:"scan_type"`
}

// AnalysisStatus は静的/動的解析の状態です。
type AnalysisStatus struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は使用する http.Client を指定します。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithDocumentValidator は取得したドキュメントの検証関数を差し替えます。
func WithDocumentValidator(fn func([]byte) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.validateDocument = fn
		}
	}
}

// Client は MobSF API を呼び出します。
type Client struct {
	baseURL          *url.URL
	apiKey           string
	http             *http.Client
	validateDocument func([]byte) error
}

// New は Client を作成します。
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid MobSF url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("MobSF url must have a scheme and host, e.g. http://localhost:8000")
	}
	c := &Client{
		baseURL:          u,
		apiKey:           apiKey,
		http:             http.DefaultClient,
		validateDocument: ValidatePDF,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload はバイナリを multipart でアップロードします。
func (c *Client) Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var result UploadResult
	if err := c.doJSON(ctx, http.MethodPost, "upload", nil, body, writer.FormDataContentType(), &result); err != nil {
		return nil, err
	}
	if result.Hash == "" {
		return nil, fmt.Errorf("malformed response from MobSF upload: missing hash")
	}
	return &result, nil
}

// StartStaticScan は静的解析を開始します。
// ScanModeSync ではこの呼び出しが解析完了まで戻りません。
func (c *Client) StartStaticScan(ctx context.Context, upload *UploadResult, mode ScanMode) error {
	if upload == nil || upload.Hash == "" {
		return errors.New("upload hash is required")
	}
	switch mode {
	case ScanModeSync:
		form := url.Values{}
		form.Set("hash", upload.Hash)
		form.Set("scan_type", upload.ScanType)
		form.Set("file_name", upload.FileName)
		form.Set("re_scan", "0")
		return c.doJSON(ctx, http.MethodPost, "scan", nil,
			strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
	case ScanModePolled:
		payload, err := json.Marshal(map[string]string{
			"hash":      upload.Hash,
			"scan_type": upload.ScanType,
			"file_name": upload.FileName,
		})
		if err != nil {
			return err
		}
		return c.doJSON(ctx, http.MethodPost, "scan", nil, bytes.NewReader(payload), "application/json", nil)
	default:
		return fmt.Errorf("unknown MobSF scan mode %q", mode)
	}
}

// StaticStatus は静的解析の状態を返します（ScanModePolled 専用）。
func (c *Client) StaticStatus(ctx context.Context, hash string) (*AnalysisStatus, error) {
	return c.analysisStatus(ctx, "scan_status", hash)
}

// StartDynamic は動的解析の開始を試みます。
// MobSF が受け付けない場合は ErrNotSupported をラップしたエラーを返します。
func (c *Client) StartDynamic(ctx context.Context, hash string) error {
	form := url.Values{}
	form.Set("hash", hash)
	err := c.doJSON(ctx, http.MethodPost, "dynamic/start_analysis", nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%w: %v", ErrNotSupported, httpErr)
	}
	return err
}

// DynamicStatus は動的解析の状態を返します。
func (c *Client) DynamicStatus(ctx context.Context, hash string) (*AnalysisStatus, error) {
	return c.analysisStatus(ctx, "dynamic/status", hash)
}

// ReportJSON は構造化レポートを MobSF が返した形のまま取得します。
func (c *Client) ReportJSON(ctx context.Context, hash string) (json.RawMessage, error) {
	form := url.Values{}
	form.Set("hash", hash)
	var report json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "report_json", nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &report); err != nil {
		return nil, err
	}
	if len(report) == 0 || report[0] != '{' {
		return nil, fmt.Errorf("malformed response from MobSF report_json: expected a JSON object")
	}
	return report, nil
}

// Ping は API キーが受け付けられるかを確認します。
func (c *Client) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("page", "1")
	query.Set("page_size", "1")
	return c.doJSON(ctx, http.MethodGet, "scans", query, nil, "", nil)
}

func (c *Client) analysisStatus(ctx context.Context, endpoint, hash string) (*AnalysisStatus, error) {
	query := url.Values{}
	query.Set("hash", hash)
	var resp struct {
		Status   string          `json:"status"`
		Progress json.RawMessage `json:"progress"`
	}
	if err := c.doJSON(ctx, http.MethodGet, endpoint, query, nil, "", &resp); err != nil {
		return nil, err
	}
	status := strings.ToLower(strings.TrimSpace(resp.Status))
	if status == "" {
		return nil, fmt.Errorf("malformed response from MobSF %s: missing status", endpoint)
	}
	progress, err := parseProgress(resp.Progress)
	if err != nil {
		return nil, fmt.Errorf("malformed response from MobSF %s: %w", endpoint, err)
	}
	return &AnalysisStatus{Status: status, Progress: progress}, nil
}

func parseProgress(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		raw = []byte(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("progress %q is not a number", raw)
	}
	return int(f), nil
}

func (c *Client) endpointURL(endpoint string, query url.Values) string {
	u := *c.baseURL
	u.Path = u.Path + "/api/v1/" + endpoint
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do はリクエストを送り、2xx の場合にレスポンスボディを返します。
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpointURL(endpoint, query), body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("MobSF %s request failed: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading MobSF %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	return data, resp.Header, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string, out any) error {
	data, _, err := c.do(ctx, method, endpoint, query, body, contentType)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response from MobSF %s: %w", endpoint, err)
	}
	return nil
}

func snippet(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}
