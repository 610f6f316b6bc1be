// Package api はスキャンの開始・状態参照・レポート取得を行う HTTP API を提供します。
package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
	"github.com/vaptlab/vapt-orchestrator/internal/scan"
)

// ScanService はハンドラーが利用するスキャン操作です。
type ScanService interface {
	StartWebScan(ctx context.Context, target string) (string, error)
	StartMobileScan(ctx context.Context, fileName string, data []byte) (string, error)
	Job(ctx context.Context, kind jobs.Kind, jobID string) (*jobs.Record, error)
	ReportDocument(ctx context.Context, jobID string) (*scan.Document, error)
	Running() int
}

// Handler は /api 以下のハンドラーをまとめます。
type Handler struct {
	svc     ScanService
	upload  UploadPolicy
	probes  map[string]Probe
	baseURL string
	logger  *slog.Logger
}

// NewHandler は Handler を作成します。probes は /api/health で報告するスキャナ名と疎通確認、
// baseURL はこのサービスの公開URLです。
func NewHandler(svc ScanService, upload UploadPolicy, probes map[string]Probe, baseURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		upload:  upload,
		probes:  probes,
		baseURL: baseURL,
		logger:  logger,
	}
}

// Register はルートを登録します。
func (h *Handler) Register(api *gin.RouterGroup) {
	api.GET("/health", h.health)

	web := api.Group("/web-scan")
	{
		web.POST("/start", h.startWebScan)
		web.GET("/status/:id", h.jobStatus(jobs.KindWebScan))
	}

	mobile := api.Group("/mobile-scan")
	{
		mobile.POST("/start", h.startMobileScan)
		mobile.GET("/status/:id", h.jobStatus(jobs.KindMobileScan))
		mobile.GET("/report-document/:id", h.reportDocument)
	}

	api.GET("/scans/recent", h.recentScans)
}

type startWebScanRequest struct {
	TargetURL string `json:"targetUrl"`
}

func (h *Handler) startWebScan(c *gin.Context) {
	var req startWebScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, invalidInput("targetUrl を JSON で送ってください。"))
		return
	}
	target, err := validateTargetURL(req.TargetURL)
	if err != nil {
		respondWithError(c, err)
		return
	}

	jobID, err := h.svc.StartWebScan(c.Request.Context(), target)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "failed to start web scan", "error", err)
		respondWithError(c, err)
		return
	}
	h.remember(c, jobID)
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (h *Handler) startMobileScan(c *gin.Context) {
	name, data, err := h.upload.readUpload(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	jobID, err := h.svc.StartMobileScan(c.Request.Context(), name, data)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "failed to start mobile scan", "error", err)
		respondWithError(c, err)
		return
	}
	h.remember(c, jobID)
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (h *Handler) jobStatus(kind jobs.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			respondWithError(c, invalidInput("jobId を指定してください。"))
			return
		}
		record, err := h.svc.Job(c.Request.Context(), kind, jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func (h *Handler) reportDocument(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		respondWithError(c, invalidInput("jobId を指定してください。"))
		return
	}

	doc, err := h.svc.ReportDocument(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, scan.ErrUpstream) {
			h.logger.WarnContext(c.Request.Context(), "report document unavailable", "job_id", jobID, "error", err)
		}
		respondWithError(c, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName}))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", doc.JobID)
	c.DataFromReader(http.StatusOK, int64(len(doc.Data)), "application/pdf", bytes.NewReader(doc.Data), nil)
}

func (h *Handler) recentScans(c *gin.Context) {
	ctx := c.Request.Context()
	records := make([]*jobs.Record, 0)
	for _, id := range recentJobIDs(sessions.Default(c)) {
		for _, kind := range []jobs.Kind{jobs.KindWebScan, jobs.KindMobileScan} {
			record, err := h.svc.Job(ctx, kind, id)
			if err == nil {
				records = append(records, record)
				break
			}
			if !errors.Is(err, jobs.ErrNotFound) {
				respondWithError(c, err)
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

func (h *Handler) remember(c *gin.Context, jobID string) {
	if err := rememberJob(c, jobID); err != nil {
		h.logger.WarnContext(c.Request.Context(), "failed to save session", "error", err)
	}
}

func validateTargetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidInput("targetUrl を指定してください。")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalidInput("targetUrl は http(s) の絶対URLで指定してください。")
	}
	return raw, nil
}
