package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GrainArc/RestRaster/Transformer"
	"github.com/GrainArc/RestRaster/config"
	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/rest_raster"
)

// FetchService 按配置组装好的抓取组件
type FetchService struct {
	Fetcher *rest_raster.Fetcher
	Cache   rest_raster.MetadataCache
	closers []func() error
}

// Close 释放缓存连接
func (s *FetchService) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClientOptions 配置转换为HTTP客户端参数
func ClientOptions(cfg config.HTTPConfig) rest_raster.ClientOptions {
	opts := rest_raster.DefaultClientOptions()
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		opts.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	opts.Retries = cfg.Retries
	if cfg.RetryDelay > 0 {
		opts.RetryDelay = cfg.RetryDelay
	}
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	return opts
}

// newCache 按 cache.kind 创建探测缓存，redis 不可达时返回错误
func newCache(ctx context.Context, cfg config.CacheConfig) (rest_raster.MetadataCache, func() error, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "none":
		return nil, nil, nil
	case "memory":
		c := rest_raster.NewMemoryCache(cfg.MaxSize, cfg.TTL)
		return c, c.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		c := rest_raster.NewRedisCache(client, cfg.RedisPrefix, cfg.TTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Ping(pingCtx); err != nil {
			c.Close()
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache kind %q", cfg.Kind)
	}
}

// NewFetchService 根据配置创建HTTP客户端、探测缓存、探测器、下载器与编排器
func NewFetchService(ctx context.Context, cfg *config.Config, log *zap.Logger) (*FetchService, error) {
	log = logger.OrNop(log)

	cache, closeCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("init probe cache: %w", err)
	}

	client := rest_raster.NewClient(ClientOptions(cfg.HTTP))
	opts := rest_raster.Options{
		Fallbacks:   cfg.Fetch.Fallbacks,
		Concurrency: cfg.Fetch.Concurrency,
		WorldFile:   cfg.Fetch.WorldFile,
	}
	fetcher := rest_raster.NewFetcher(
		Transformer.Registry{Caller: cfg.Transform.Caller},
		rest_raster.NewProbe(client, cache, log.Named("probe")),
		rest_raster.NewImageFetcher(client, log.Named("image")),
		opts,
		log.Named("fetch"),
	)

	s := &FetchService{Fetcher: fetcher, Cache: cache}
	if closeCache != nil {
		s.closers = append(s.closers, closeCache)
	}
	log.Info("fetch service ready",
		zap.String("cache", cfg.Cache.Kind),
		zap.Ints("fallbacks", cfg.Fetch.Fallbacks),
		zap.Int("concurrency", cfg.Fetch.Concurrency))
	return s, nil
}
