package rest_raster

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/metrics"
	"github.com/paulmach/orb"
)

// Probe 元数据探测：发送 f=json 请求，解析 extent 与 href
type Probe struct {
	client *Client
	cache  MetadataCache
	logger *zap.Logger
}

// NewProbe 创建探测器，cache 可为空
func NewProbe(client *Client, cache MetadataCache, log *zap.Logger) *Probe {
	return &Probe{client: client, cache: cache, logger: logger.OrNop(log)}
}

// probeDocument 探测响应中识别的字段
type probeDocument struct {
	Extent *struct {
		XMin *float64 `json:"xmin"`
		YMin *float64 `json:"ymin"`
		XMax *float64 `json:"xmax"`
		YMax *float64 `json:"ymax"`
	} `json:"extent"`
	Href   *string `json:"href"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// parseMetadata 解析探测响应，无法解析的文档返回空元数据
func parseMetadata(data []byte) ServiceMetadata {
	var meta ServiceMetadata

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return meta
	}
	_, meta.HasHref = keys["href"]

	var doc probeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return meta
	}

	if doc.Href != nil {
		meta.Href = *doc.Href
	}
	meta.Width = int(doc.Width)
	meta.Height = int(doc.Height)

	if e := doc.Extent; e != nil && e.XMin != nil && e.YMin != nil && e.XMax != nil && e.YMax != nil {
		meta.Extent = &orb.Bound{
			Min: orb.Point{*e.XMin, *e.YMin},
			Max: orb.Point{*e.XMax, *e.YMax},
		}
	}
	return meta
}

// fetch 发送一次探测请求，传输失败按空文档处理
func (p *Probe) fetch(ctx context.Context, query, endpoint string) ServiceMetadata {
	resp, err := p.client.Get(ctx, jsonQuery(query))
	if err != nil {
		metrics.ProbeRequests.WithLabelValues(endpoint, "transport_error").Inc()
		p.logger.Debug("probe request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return ServiceMetadata{}
	}

	meta := parseMetadata(resp.Data)
	outcome := "no_href"
	if meta.HasHref {
		outcome = "ok"
	}
	metrics.ProbeRequests.WithLabelValues(endpoint, outcome).Inc()
	return meta
}

// Probe 探测请求；首个响应不含 href 时改用 exportImage 接口重试一次。
// 返回元数据及后续下载应使用的请求串。
func (p *Probe) Probe(ctx context.Context, query string) (ServiceMetadata, string) {
	if p.cache != nil {
		if entry, ok := p.cache.Get(ctx, query); ok {
			metrics.ProbeCacheHits.Inc()
			return entry.Meta, entry.Query
		}
	}

	effective := query
	meta := p.fetch(ctx, query, "export")
	if !meta.HasHref {
		effective = alternateEndpoint(query)
		p.logger.Debug("response has no href, trying alternate endpoint", zap.String("query", effective))
		meta = p.fetch(ctx, effective, "exportImage")
	}

	if p.cache != nil && meta.Extent != nil {
		// href 指向服务端临时输出，过期很快，缓存只保留范围与尺寸
		cached := meta
		cached.Href, cached.HasHref = "", false
		p.cache.Set(ctx, query, ProbeEntry{Meta: cached, Query: effective})
	}
	return meta, effective
}
