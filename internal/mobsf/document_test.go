package mobsf

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fakePDF = []byte("%PDF-1.4 fake")

func acceptAll(data []byte) error {
	if len(data) == 0 {
		return errors.New("document is empty")
	}
	return nil
}

func TestDownloadPDFFirstAttemptSucceeds(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/download_pdf", r.URL.Path)
		_, _ = w.Write(fakePDF)
	}, WithDocumentValidator(acceptAll))

	data, err := client.DownloadPDF(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, fakePDF, data)
	require.EqualValues(t, 1, calls.Load())
}

func TestDownloadPDFFallsBackInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		shapes []string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		shape := r.Method + " " + r.URL.Path + " " + r.Header.Get("Content-Type")
		mu.Lock()
		shapes = append(shapes, shape)
		mu.Unlock()
		if r.URL.Path == "/api/v1/report_pdf" {
			_, _ = w.Write(fakePDF)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}, WithDocumentValidator(acceptAll))

	data, err := client.DownloadPDF(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, fakePDF, data)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"POST /api/v1/download_pdf application/x-www-form-urlencoded",
		"POST /api/v1/download_pdf application/json",
		"GET /api/v1/download_pdf ",
		"POST /api/v1/report_pdf application/x-www-form-urlencoded",
	}, shapes)
}

func TestDownloadPDFRejectsEmptyDocument(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			return
		}
		_, _ = w.Write(fakePDF)
	}, WithDocumentValidator(acceptAll))

	data, err := client.DownloadPDF(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, fakePDF, data)
	require.EqualValues(t, 2, calls.Load())
}

func TestDownloadPDFAllAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/api/v1/report_pdf" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}, WithDocumentValidator(acceptAll))

	_, err := client.DownloadPDF(context.Background(), "abc123")
	require.Error(t, err)
	require.EqualValues(t, 4, calls.Load())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	require.Contains(t, err.Error(), "report_pdf")
}

func TestDownloadPDFRequiresHash(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := client.DownloadPDF(context.Background(), " ")
	require.Error(t, err)
}

func TestValidatePDF(t *testing.T) {
	require.ErrorContains(t, ValidatePDF(nil), "empty")
	require.ErrorContains(t, ValidatePDF([]byte("<html>error</html>")), "not a PDF")
	require.Error(t, ValidatePDF([]byte("%PDF-1.7\ntruncated")))
}
