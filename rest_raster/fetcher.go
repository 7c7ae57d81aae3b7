package rest_raster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/metrics"
)

// ImageFetcher 下载影像字节并写入目标文件
type ImageFetcher struct {
	client *Client
	logger *zap.Logger
}

// NewImageFetcher 创建下载器
func NewImageFetcher(client *Client, log *zap.Logger) *ImageFetcher {
	return &ImageFetcher{client: client, logger: logger.OrNop(log)}
}

// isErrorDocument 服务以200返回的JSON/HTML错误文档不是影像
func isErrorDocument(resp *Response) bool {
	ct := strings.ToLower(resp.ContentType)
	if strings.Contains(ct, "json") || strings.Contains(ct, "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(resp.Data)
	return len(trimmed) == 0 || trimmed[0] == '{' || bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

// Download 下载到指定路径，自动创建父目录并覆盖已有文件。成功返回空串，失败返回诊断信息。
func (f *ImageFetcher) Download(ctx context.Context, url, path string) string {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return err.Error()
	}
	if isErrorDocument(resp) {
		return fmt.Sprintf("service returned a non-image response (%s)", resp.ContentType)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Sprintf("create target folder: %v", err)
	}
	if err := os.WriteFile(path, resp.Data, 0644); err != nil {
		return fmt.Sprintf("write image: %v", err)
	}
	return ""
}

func (f *ImageFetcher) tryDownload(ctx context.Context, source, url, path string) string {
	msg := f.Download(ctx, url, path)
	outcome := "ok"
	if msg != "" {
		outcome = "failed"
		f.logger.Debug("image download failed",
			zap.String("source", source),
			zap.String("url", url),
			zap.String("reason", msg))
	}
	metrics.DownloadAttempts.WithLabelValues(source, outcome).Inc()
	return msg
}

// FetchImage 优先使用探测得到的 href 下载，失败后回退到原始 f=image 请求；
// 没有 href 时直接请求原始地址。任何失败都统一返回 ResolutionErrorMessage。
func (f *ImageFetcher) FetchImage(ctx context.Context, meta ServiceMetadata, rawImageURL, path string) string {
	var msg string
	if meta.Href != "" {
		msg = f.tryDownload(ctx, "href", meta.Href, path)
		if msg != "" {
			msg = f.tryDownload(ctx, "raw", rawImageURL, path)
		}
	} else {
		msg = f.tryDownload(ctx, "raw", rawImageURL, path)
	}

	if msg != "" {
		return ResolutionErrorMessage
	}
	return ""
}
