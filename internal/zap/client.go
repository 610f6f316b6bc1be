// Package zap は OWASP ZAP の JSON API クライアントです。
// すべての呼び出しは GET で、API キーはクエリパラメータ apikey で渡します。
package zap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const maxErrorBody = 512

// AlertFilter はアラート取得時の baseurl フィルタの指定方法です。
type AlertFilter int

const (
	// AlertFilterNone は baseurl パラメータを付けません。
	AlertFilterNone AlertFilter = iota
	// AlertFilterEmpty は空の baseurl パラメータを付けます。
	AlertFilterEmpty
	// AlertFilterTarget は baseurl に対象URLを指定します。
	AlertFilterTarget
)

func (f AlertFilter) String() string {
	switch f {
	case AlertFilterNone:
		return "no filter"
	case AlertFilterEmpty:
		return "empty baseurl"
	case AlertFilterTarget:
		return "baseurl=target"
	default:
		return "unknown"
	}
}

// HTTPError は ZAP が 2xx 以外を返したことを表します。
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("ZAP %s returned status %d", e.Endpoint, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client は ZAP API を呼び出します。
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

// New は Client を作成します。httpClient が nil の場合は http.DefaultClient を使います。
func New(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ZAP url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("ZAP url must have a scheme and host, e.g. http://localhost:8080")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: u, apiKey: apiKey, http: httpClient}, nil
}

// AccessURL は対象URLを ZAP のサイトツリーに登録します。spider の前に必要です。
func (c *Client) AccessURL(ctx context.Context, target string) error {
	params := url.Values{}
	params.Set("url", target)
	params.Set("followRedirects", "true")
	return c.get(ctx, "core/action/accessUrl", params, nil)
}

// StartSpider はクロールを開始し、スキャンIDを返します。
func (c *Client) StartSpider(ctx context.Context, target string) (string, error) {
	params := url.Values{}
	params.Set("url", target)
	var resp struct {
		Scan flexString `json:"scan"`
	}
	if err := c.get(ctx, "spider/action/scan", params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("malformed response from ZAP spider/action/scan: missing scan id")
	}
	return string(resp.Scan), nil
}

// SpiderStatus はクロールの進捗 (0-100) を返します。
func (c *Client) SpiderStatus(ctx context.Context, scanID string) (int, error) {
	return c.status(ctx, "spider/view/status", scanID)
}

// StartActiveScan はアクティブスキャンを開始し、スキャンIDを返します。
func (c *Client) StartActiveScan(ctx context.Context, target string) (string, error) {
	params := url.Values{}
	params.Set("url", target)
	params.Set("recurse", "true")
	var resp struct {
		Scan flexString `json:"scan"`
	}
	if err := c.get(ctx, "ascan/action/scan", params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("malformed response from ZAP ascan/action/scan: missing scan id")
	}
	return string(resp.Scan), nil
}

// ActiveScanStatus はアクティブスキャンの進捗 (0-100) を返します。
func (c *Client) ActiveScanStatus(ctx context.Context, scanID string) (int, error) {
	return c.status(ctx, "ascan/view/status", scanID)
}

// Alerts はアラート一覧を ZAP が返した形のまま取得します。
func (c *Client) Alerts(ctx context.Context, filter AlertFilter, target string) ([]json.RawMessage, error) {
	params := url.Values{}
	switch filter {
	case AlertFilterEmpty:
		params.Set("baseurl", "")
	case AlertFilterTarget:
		params.Set("baseurl", target)
	}
	var resp struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	if err := c.get(ctx, "core/view/alerts", params, &resp); err != nil {
		return nil, err
	}
	if resp.Alerts == nil {
		resp.Alerts = []json.RawMessage{}
	}
	return resp.Alerts, nil
}

// Version は ZAP のバージョンを返します。ヘルスチェックで使用します。
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "core/view/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) status(ctx context.Context, endpoint, scanID string) (int, error) {
	params := url.Values{}
	params.Set("scanId", scanID)
	var resp struct {
		Status flexString `json:"status"`
	}
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return 0, err
	}
	percent, err := strconv.Atoi(string(resp.Status))
	if err != nil {
		return 0, fmt.Errorf("malformed response from ZAP %s: status %q is not a number", endpoint, resp.Status)
	}
	return percent, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := *c.baseURL
	u.Path = u.Path + "/JSON/" + endpoint + "/"
	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ZAP %s request failed: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading ZAP %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed response from ZAP %s: %w", endpoint, err)
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

// flexString は ZAP が文字列または数値で返す値を文字列として受け取ります。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
