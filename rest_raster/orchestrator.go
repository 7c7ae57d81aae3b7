package rest_raster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GrainArc/RestRaster/Transformer"
	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/metrics"
)

// TransformResolver 按服务SRS提供坐标转换
type TransformResolver interface {
	For(srs int) (Transformer.Transform, error)
}

// Options 编排器配置
type Options struct {
	Fallbacks   []int // 请求分辨率之后依次尝试的分辨率
	Concurrency int   // 同时处理的边界数
	WorldFile   bool  // 成功后在影像旁写出世界文件
}

// DefaultOptions 默认编排配置：串行处理，阶梯为 1700、1200
func DefaultOptions() Options {
	return Options{
		Fallbacks:   append([]int(nil), DefaultFallbackResolutions...),
		Concurrency: 1,
	}
}

// Batch 一次批量抓取的输入
type Batch struct {
	URL        string
	Boundaries []orb.Geometry // 调用方坐标系
	Resolution int
	SRS        int
	Folder     string
	Prefix     string
	ImageType  string
	// Run 为false时只生成请求串，不访问网络
	Run      bool
	Observer Observer
}

// Fetcher 按边界驱动 请求构建 -> 元数据探测 -> 影像下载，并执行分辨率阶梯
type Fetcher struct {
	transforms TransformResolver
	probe      *Probe
	images     *ImageFetcher
	opts       Options
	logger     *zap.Logger
}

// NewFetcher 创建编排器
func NewFetcher(transforms TransformResolver, probe *Probe, images *ImageFetcher, opts Options, log *zap.Logger) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = append([]int(nil), DefaultFallbackResolutions...)
	}
	return &Fetcher{
		transforms: transforms,
		probe:      probe,
		images:     images,
		opts:       opts,
		logger:     logger.OrNop(log),
	}
}

// normalize 填充默认值并校验输入
func (b *Batch) normalize() error {
	b.URL = NormalizeBaseURL(b.URL)
	if b.URL == "" {
		return ErrEmptyURL
	}
	if len(b.Boundaries) == 0 {
		return ErrNoBoundaries
	}
	if b.Resolution == 0 {
		b.Resolution = DefaultResolution
	}
	if b.Resolution < 0 {
		return ErrInvalidResolution
	}
	if b.SRS == 0 {
		b.SRS = DefaultSRS
	}
	if b.Prefix == "" {
		b.Prefix = DefaultPrefix
	}
	if b.ImageType == "" {
		b.ImageType = DefaultImageType
	}
	return ValidateFileName(b.Prefix, b.ImageType)
}

// ValidateFileName 前缀与扩展名只能是文件名的一部分，输出必须留在目标目录内
func ValidateFileName(prefix, imageType string) error {
	ext := CleanupImageType(imageType)
	for _, part := range []string{prefix, ext} {
		if part == "" || strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
			return fmt.Errorf("%w: %q", ErrInvalidFileName, part)
		}
	}
	if name := fmt.Sprintf("%s_0.%s", prefix, ext); !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

// ImagePath 第 index 个边界的输出路径
func ImagePath(folder, prefix string, index int, imageType string) string {
	return filepath.Join(folder, fmt.Sprintf("%s_%d.%s", prefix, index, CleanupImageType(imageType)))
}

// Run 处理整批边界。结果按输入顺序返回；某个边界阶梯耗尽时整批中止，
// 返回 *BatchAbortError，之前的结果保留在 BatchResult 中。
func (f *Fetcher) Run(ctx context.Context, batch Batch) (*BatchResult, error) {
	if err := batch.normalize(); err != nil {
		return nil, err
	}
	transform, err := f.transforms.For(batch.SRS)
	if err != nil {
		return nil, fmt.Errorf("resolve transform: %w", err)
	}

	ladder := Ladder(batch.Resolution, f.opts.Fallbacks)
	n := len(batch.Boundaries)
	results := make([]*FetchResult, n)
	errs := make([]error, n)

	var abortAt atomic.Int64
	abortAt.Store(math.MaxInt64)
	markAbort := func(i int) {
		for {
			cur := abortAt.Load()
			if int64(i) >= cur || abortAt.CompareAndSwap(cur, int64(i)) {
				return
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(f.opts.Concurrency)

	for i, geom := range batch.Boundaries {
		if ctx.Err() != nil || int64(i) > abortAt.Load() {
			break
		}
		g.Go(func() error {
			if int64(i) > abortAt.Load() {
				notify(batch.Observer, Event{Index: i, State: StateSkipped})
				return nil
			}
			superseded := func() bool { return int64(i) > abortAt.Load() }
			res, err := f.runBoundary(ctx, i, geom, batch, transform, ladder, superseded)
			results[i] = &res
			if err != nil {
				errs[i] = err
				if !isContextErr(err) {
					markAbort(i)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{AbortIndex: -1}
	limit := n
	if a := abortAt.Load(); a != math.MaxInt64 {
		limit = int(a) + 1
		out.Aborted = true
		out.AbortIndex = int(a)
	}
	for i := 0; i < limit; i++ {
		if results[i] != nil {
			out.Results = append(out.Results, *results[i])
		}
	}
	for i := limit; i < n; i++ {
		if results[i] != nil && results[i].FilePath != "" {
			f.removeOutput(results[i].FilePath)
		}
	}

	if out.Aborted {
		f.logger.Warn("batch aborted",
			zap.Int("index", out.AbortIndex),
			zap.Int("completed", len(out.Results)-1),
			zap.Error(errs[out.AbortIndex]))
		return out, &BatchAbortError{Index: out.AbortIndex, Err: errs[out.AbortIndex]}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	f.logger.Info("batch finished", zap.Int("boundaries", n))
	return out, nil
}

// runBoundary 处理单个边界，阶梯耗尽时返回 ErrLadderExhausted
// superseded 为真表示更小序号的边界已中止整批，本边界不再下载
func (f *Fetcher) runBoundary(ctx context.Context, index int, geom orb.Geometry, batch Batch, t Transformer.Transform, ladder []int, superseded func() bool) (FetchResult, error) {
	start := time.Now()
	defer func() { metrics.BoundaryDuration.Observe(time.Since(start).Seconds()) }()

	log := f.logger.With(zap.Int("index", index))
	result := FetchResult{Index: index}
	path := ImagePath(batch.Folder, batch.Prefix, index, batch.ImageType)
	serviceBox := Transformer.ForwardBound(t, geom.Bound())

	for pos, res := range ladder {
		if pos > 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
		}

		notify(batch.Observer, Event{Index: index, State: StateBuilding, Resolution: res})
		desc := RequestDescriptor{
			BaseURL:    batch.URL,
			BBox:       serviceBox,
			Resolution: res,
			SRS:        batch.SRS,
			Format:     batch.ImageType,
		}
		query, err := desc.Query()
		if err != nil {
			result.Message = err.Error()
			metrics.BoundaryOutcomes.WithLabelValues(string(StateExhaustedFailure)).Inc()
			notify(batch.Observer, Event{Index: index, State: StateExhaustedFailure, Result: &result})
			return result, err
		}
		result.Query = imageQuery(query)
		result.Resolution = res
		result.Attempts = pos + 1
		metrics.LadderAttempts.WithLabelValues(strconv.Itoa(pos)).Inc()

		if !batch.Run {
			metrics.BoundaryOutcomes.WithLabelValues(string(StateSkipped)).Inc()
			notify(batch.Observer, Event{Index: index, State: StateSkipped, Result: &result})
			return result, nil
		}

		notify(batch.Observer, Event{Index: index, State: StateProbing, Resolution: res})
		meta, effective := f.probe.Probe(ctx, query)
		result.Query = imageQuery(effective)

		if meta.Extent == nil {
			log.Debug("no extent in metadata, retrying smaller", zap.Int("resolution", res))
			result.Message = ResolutionErrorMessage
			notify(batch.Observer, Event{Index: index, State: StateRetrySmaller, Resolution: res})
			continue
		}

		if superseded() {
			log.Debug("batch aborted at a lower index, skip download")
			notify(batch.Observer, Event{Index: index, State: StateSkipped})
			return result, nil
		}

		notify(batch.Observer, Event{Index: index, State: StateFetching, Resolution: res})
		if msg := f.images.FetchImage(ctx, meta, result.Query, path); msg != "" {
			log.Debug("download failed, retrying smaller", zap.Int("resolution", res), zap.String("reason", msg))
			result.Message = msg
			notify(batch.Observer, Event{Index: index, State: StateRetrySmaller, Resolution: res})
			continue
		}

		result.FilePath = path
		result.Frame = Transformer.InverseBound(t, *meta.Extent)
		result.FrameValid = true
		result.Message = ""

		if f.opts.WorldFile {
			f.writeWorldFile(log, path, meta, res)
		}

		log.Info("image fetched", zap.String("path", path), zap.Int("resolution", res), zap.Int("attempts", result.Attempts))
		metrics.BoundaryOutcomes.WithLabelValues(string(StateSucceeded)).Inc()
		notify(batch.Observer, Event{Index: index, State: StateSucceeded, Resolution: res, Result: &result})
		return result, nil
	}

	result.Message = ErrLadderExhausted.Error()
	log.Warn("resolution ladder exhausted", zap.Ints("ladder", ladder), zap.String("query", result.Query))
	metrics.BoundaryOutcomes.WithLabelValues(string(StateExhaustedFailure)).Inc()
	notify(batch.Observer, Event{Index: index, State: StateExhaustedFailure, Result: &result})
	return result, ErrLadderExhausted
}

// writeWorldFile 写世界文件，尺寸优先取探测结果
func (f *Fetcher) writeWorldFile(log *zap.Logger, path string, meta ServiceMetadata, res int) {
	width, height := meta.Width, meta.Height
	if width <= 0 || height <= 0 {
		w, h, err := ImageSize(res, *meta.Extent)
		if err != nil {
			log.Warn("skip world file", zap.Error(err))
			return
		}
		width, height = int(math.Round(w)), int(math.Round(h))
	}
	if _, err := WriteWorldFile(path, *meta.Extent, width, height); err != nil {
		log.Warn("write world file failed", zap.Error(err))
	}
}

// removeOutput 删除中止后才完成的边界写出的文件
func (f *Fetcher) removeOutput(path string) {
	for _, p := range []string{path, WorldFilePath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("remove dropped output", zap.String("path", p), zap.Error(err))
		}
	}
}

func notify(o Observer, e Event) {
	if o != nil {
		o(e)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
