package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaptlab/vapt-orchestrator/internal/jobs"
	"github.com/vaptlab/vapt-orchestrator/internal/scan"
)

// Error はクライアントに返すコード付きエラーです。
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func invalidInput(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: message}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(apiErr.Status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, scan.ErrNotReady):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "JOB_NOT_READY",
			"message": "スキャンが完了していないためレポートを取得できません。",
		})
	case errors.Is(err, scan.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "UPSTREAM_ERROR",
			"message": "スキャナからレポートを取得できませんでした。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
