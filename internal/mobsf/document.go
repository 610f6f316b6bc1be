package mobsf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

var disableConfigDir sync.Once

// documentAttempt は PDF 取得の1通りのリクエスト形です。
type documentAttempt struct {
	name string
	send func(ctx context.Context, c *Client, hash string) ([]byte, error)
}

// MobSF のバージョンや設定によって受け付ける形が異なるため、順番に試します。
var documentAttempts = []documentAttempt{
	{
		name: "form POST download_pdf",
		send: func(ctx context.Context, c *Client, hash string) ([]byte, error) {
			form := url.Values{}
			form.Set("hash", hash)
			data, _, err := c.do(ctx, http.MethodPost, "download_pdf", nil,
				strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
			return data, err
		},
	},
	{
		name: "JSON POST download_pdf",
		send: func(ctx context.Context, c *Client, hash string) ([]byte, error) {
			payload, err := json.Marshal(map[string]string{"hash": hash})
			if err != nil {
				return nil, err
			}
			data, _, err := c.do(ctx, http.MethodPost, "download_pdf", nil, bytes.NewReader(payload), "application/json")
			return data, err
		},
	},
	{
		name: "GET download_pdf",
		send: func(ctx context.Context, c *Client, hash string) ([]byte, error) {
			query := url.Values{}
			query.Set("hash", hash)
			data, _, err := c.do(ctx, http.MethodGet, "download_pdf", query, nil, "")
			return data, err
		},
	},
	{
		name: "form POST report_pdf",
		send: func(ctx context.Context, c *Client, hash string) ([]byte, error) {
			form := url.Values{}
			form.Set("hash", hash)
			data, _, err := c.do(ctx, http.MethodPost, "report_pdf", nil,
				strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
			return data, err
		},
	},
}

// DownloadPDF はレポートPDFを取得します。
// 各リクエスト形を順に試し、検証を通った最初のドキュメントを返します。すべて失敗した場合は最後のエラーを返します。
func (c *Client) DownloadPDF(ctx context.Context, hash string) ([]byte, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, errors.New("hash is required")
	}
	var lastErr error
	for _, attempt := range documentAttempts {
		data, err := attempt.send(ctx, c, hash)
		if err == nil {
			err = c.validateDocument(data)
		}
		if err == nil {
			return data, nil
		}
		lastErr = fmt.Errorf("%s: %w", attempt.name, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	return nil, fmt.Errorf("all PDF download attempts failed, last error: %w", lastErr)
}

// ValidatePDF は取得したデータが1ページ以上の読み取り可能なPDFかを確認します。
// 途中で切れたドキュメントや空のドキュメントを成功扱いにしないために使います。
func ValidatePDF(data []byte) error {
	if len(data) == 0 {
		return errors.New("document is empty")
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\r\n\t "), []byte("%PDF-")) {
		return errors.New("document is not a PDF")
	}
	disableConfigDir.Do(pdfapi.DisableConfigDir)
	pages, err := pdfapi.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return fmt.Errorf("document is not a readable PDF: %w", err)
	}
	if pages < 1 {
		return errors.New("document has no pages")
	}
	return nil
}
