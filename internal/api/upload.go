package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// multipart の境界やヘッダー分の余裕
const multipartOverhead = 1 << 20

// UploadPolicy はアップロードされるアプリの制限です。
type UploadPolicy struct {
	MaxSize           int64
	AllowedExtensions []string
}

func (p UploadPolicy) allowed(ext string) bool {
	ext = strings.ToLower(ext)
	for _, a := range p.AllowedExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

func (p UploadPolicy) limitExceeded() *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    "LIMIT_EXCEEDED",
		Message: fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", p.MaxSize>>20),
	}
}

// readUpload は multipart の file フィールドを検証してメモリに読み込みます。
// 返すファイル名はパスを取り除いたものです。
func (p UploadPolicy) readUpload(c *gin.Context) (string, []byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, p.MaxSize+multipartOverhead)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, p.limitExceeded()
		}
		return "", nil, invalidInput("multipart/form-data でアプリファイルを送信してください。")
	}
	defer form.RemoveAll()

	file, err := extractSingleFile(form)
	if err != nil {
		return "", nil, err
	}

	name := filepath.Base(strings.ReplaceAll(file.Filename, "\\", "/"))
	ext := filepath.Ext(name)
	if !p.allowed(ext) {
		return "", nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    "UNSUPPORTED_FILE",
			Message: fmt.Sprintf("対応していないファイル形式です（許可: %s）。", strings.Join(p.AllowedExtensions, ", ")),
		}
	}
	if file.Size > p.MaxSize {
		return "", nil, p.limitExceeded()
	}
	if file.Size == 0 {
		return "", nil, invalidInput("空のファイルはスキャンできません。")
	}

	f, err := file.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, p.MaxSize+1))
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.MaxSize {
		return "", nil, p.limitExceeded()
	}

	if !isZipContainer(data) {
		return "", nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    "UNSUPPORTED_FILE",
			Message: "アプリパッケージ（ZIP形式）として認識できませんでした。",
		}
	}
	return name, data, nil
}

// isZipContainer は APK/IPA/APPX などの ZIP ベースの形式かどうかを判定します。
func isZipContainer(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, invalidInput("アプリファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	return nil, invalidInput("アプリファイルを選択してください。")
}
