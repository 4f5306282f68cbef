// Package media は署名なしアップロードでメディアをフォルダ単位のバケットに送信する。
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// defaultMaxFileSize はアップロード可能な最大サイズ（10MB）。
	defaultMaxFileSize = 10 << 20
	// progressChunk は進捗コールバックの送信単位。
	progressChunk = 32 << 10
)

// ErrFileTooLarge はファイルが上限サイズを超えた場合のエラー。
var ErrFileTooLarge = errors.New("file exceeds upload size limit")

// Config はアップロード先の設定。
type Config struct {
	UploadURL    string // 署名なしアップロードのエンドポイント
	UploadPreset string
	Folder       string
	MaxFileSize  int64
}

// Uploader はMediaUploaderのHTTP実装。
// レートリミッターで連続アップロードの間隔を空ける。
type Uploader struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewUploader はUploaderを生成する。
// limiterがnilの場合は制限しない。
func NewUploader(config Config, httpClient *http.Client, limiter *rate.Limiter, mc metrics.MetricsCollector, logger *slog.Logger) *Uploader {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaultMaxFileSize
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if mc == nil {
		mc = metrics.Discard{}
	}
	return &Uploader{
		config:     config,
		httpClient: httpClient,
		limiter:    limiter,
		metrics:    mc,
		logger:     logger,
	}
}

// uploadResponse はアップロードエンドポイントのレスポンス。
type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload はファイルをアップロードして公開URLを返す。
// 失敗時はOnErrorを呼んだうえでエラーを返す。
func (u *Uploader) Upload(ctx context.Context, filename string, r io.Reader, cb gateway.UploadCallbacks) (string, error) {
	url, err := u.upload(ctx, filename, r, cb)
	if err != nil {
		u.metrics.RecordUpload(metrics.OutcomeFailure)
		if cb.OnError != nil {
			cb.OnError(err.Error())
		}
		return "", err
	}
	u.metrics.RecordUpload(metrics.OutcomeSuccess)
	if cb.OnSuccess != nil {
		cb.OnSuccess(url)
	}
	return url, nil
}

func (u *Uploader) upload(ctx context.Context, filename string, r io.Reader, cb gateway.UploadCallbacks) (string, error) {
	// 制限にかかった場合は再スケジュールを通知してから待機する
	if !u.limiter.Allow() {
		if cb.OnReschedule != nil {
			cb.OnReschedule(1, errors.New("upload rate limited"))
		}
		if err := u.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("failed to wait for upload slot: %w", err)
		}
	}

	body, contentType, err := u.buildBody(filename, r)
	if err != nil {
		return "", err
	}

	if cb.OnStart != nil {
		cb.OnStart()
	}

	total := int64(body.Len())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.UploadURL,
		&progressReader{r: body, total: total, fn: cb.OnProgress})
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		u.logger.Error("メディアアップロードに失敗しました",
			slog.String("error", err.Error()),
			slog.String("filename", filename),
		)
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	var result uploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		u.logger.Error("メディアアップロードがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("filename", filename),
		)
		if result.Error != nil && result.Error.Message != "" {
			return "", fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, result.Error.Message)
		}
		return "", fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}

	if result.SecureURL != "" {
		return result.SecureURL, nil
	}
	if result.URL != "" {
		return result.URL, nil
	}
	return "", errors.New("upload response has no url")
}

// buildBody はmultipartのリクエストボディを組み立てる。
func (u *Uploader) buildBody(filename string, r io.Reader) (*bytes.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if u.config.UploadPreset != "" {
		if err := w.WriteField("upload_preset", u.config.UploadPreset); err != nil {
			return nil, "", fmt.Errorf("failed to write upload_preset field: %w", err)
		}
	}
	if u.config.Folder != "" {
		if err := w.WriteField("folder", u.config.Folder); err != nil {
			return nil, "", fmt.Errorf("failed to write folder field: %w", err)
		}
	}

	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(r, u.config.MaxFileSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read upload source: %w", err)
	}
	if n > u.config.MaxFileSize {
		return nil, "", ErrFileTooLarge
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), w.FormDataContentType(), nil
}

// progressReader は読み取ったバイト数を進捗コールバックに通知する。
type progressReader struct {
	r        io.Reader
	total    int64
	sent     int64
	reported int64
	fn       func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.fn != nil && p.sent != p.reported && (p.sent-p.reported >= progressChunk || p.sent == p.total || err == io.EOF) {
		p.reported = p.sent
		p.fn(p.sent, p.total)
	}
	return n, err
}

var _ gateway.MediaUploader = (*Uploader)(nil)
