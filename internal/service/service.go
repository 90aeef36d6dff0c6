package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"notary/internal/config"
	"notary/internal/connection"
	"notary/internal/decoder"
	"notary/internal/errors"
	"notary/internal/events"
	"notary/internal/ledger"
	"notary/internal/output"
	"notary/internal/retry"
	"notary/internal/store"
	"notary/internal/validation"
	"notary/pkg/models"
)

// Service 组装账本客户端、事件检索和类型检测，供命令行和 API 使用
type Service struct {
	cfg       *config.Config
	client    ledger.Client
	pool      *connection.Pool
	registry  *decoder.Registry
	locator   *events.Locator
	timeRange *events.TimeRangeFetcher
	detector  events.FamilyDetector
	history   *events.History
	store     *store.FamilyStore
	output    output.Output
	validator *validation.Validator
	recorder  *errors.Recorder
	logger    *logrus.Logger
}

// Option 服务选项
type Option func(*Service)

// WithOutput 替换结果输出器
func WithOutput(out output.Output) Option {
	return func(s *Service) { s.output = out }
}

// WithRetrier 替换定位器的重试器
func WithRetrier(r *retry.Retrier) Option {
	return func(s *Service) { s.locator = s.locator.WithRetrier(r) }
}

// New 连接配置的节点并创建服务
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical, errors.CodeConfigInvalid, "配置验证失败")
	}

	rpcRetrier := retry.NewRetrier(rpcRetryConfig(cfg.Ledger), logger)
	pool, err := connection.NewPool(ctx, cfg.Ledger.Nodes, logger, connection.WithRetrier(rpcRetrier))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeProviderUnavailable, errors.SeverityCritical,
			errors.CodeProviderUnavailable, "无法连接到任何账本节点")
	}

	svc, err := NewWithClient(cfg, ledger.NewEthClient(pool, rpcRetrier, logger), logger, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	svc.pool = pool
	return svc, nil
}

// NewWithClient 使用已有的账本客户端创建服务
func NewWithClient(cfg *config.Config, client ledger.Client, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}

	strict := cfg.Validation != nil && cfg.Validation.StrictAddresses
	s := &Service{
		cfg:       cfg,
		client:    client,
		registry:  decoder.NewRegistry(),
		validator: validation.NewValidator(logger, strict),
		recorder:  errors.NewRecorder(logger),
		logger:    logger,
	}

	codec, err := s.registry.Codec("")
	if err != nil {
		return nil, err
	}

	s.locator = events.NewLocator(client, locatorRetryConfig(cfg.Locator), logger)
	s.timeRange = events.NewTimeRangeFetcher(client, s.locator, s.newFetcher(codec), logger)

	sources, err := s.familySources()
	if err != nil {
		return nil, err
	}
	var chunkSize, window uint64
	if cfg.Fetcher != nil {
		chunkSize = cfg.Fetcher.MaxBlockRange
	}
	if cfg.Detector != nil {
		window = cfg.Detector.WindowBlocks
	}
	detector := events.NewDetector(client, events.OrderedProbes(sources, chunkSize), window, s.recorder, logger)
	s.history = events.NewHistory(client, sources, chunkSize, logger)
	s.detector = detector

	if cfg.Store != nil && cfg.Store.Enabled {
		familyStore, err := store.NewFamilyStore(cfg.Store.Path, logger)
		if err != nil {
			// 缓存不可用时仍可检测，只是每次都查询账本
			logger.Warnf("初始化检测结果缓存失败: %v，将不使用缓存", err)
		} else {
			s.store = familyStore
			s.detector = events.NewCachedDetector(detector, familyStore, logger)
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.output == nil {
		out, err := output.NewOutput(cfg.Output, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.output = out
	}

	logger.WithFields(logrus.Fields{
		"families": len(sources),
		"window":   detector.Window(),
		"cache":    s.store != nil,
	}).Info("服务已初始化")
	return s, nil
}

// rpcRetryConfig 单个节点上瞬时 RPC 错误的重试配置
func rpcRetryConfig(cfg *config.LedgerConfig) retry.RetryConfig {
	rc := retry.DefaultRetryConfig
	rc.MaxAttempts = 3
	rc.InitialInterval = 200 * time.Millisecond
	rc.MaxInterval = 2 * time.Second
	if cfg == nil {
		return rc
	}
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryInterval > 0 {
		rc.InitialInterval = cfg.RetryInterval
	}
	return rc
}

func locatorRetryConfig(cfg *config.LocatorConfig) retry.RetryConfig {
	rc := retry.DefaultRetryConfig
	if cfg == nil {
		return rc
	}
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		rc.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		rc.MaxInterval = cfg.MaxInterval
	}
	return rc
}

func (s *Service) newFetcher(codec *decoder.EventCodec) *events.Fetcher {
	concurrency := 0
	if s.cfg.Fetcher != nil {
		concurrency = s.cfg.Fetcher.BlockConcurrency
	}
	return events.NewFetcher(s.client, codec, concurrency, s.logger)
}

// familySources 按配置构建各家族的事件来源
func (s *Service) familySources() ([]events.FamilySource, error) {
	sources := make([]events.FamilySource, 0, len(s.cfg.Families))
	for _, fam := range s.cfg.Families {
		family, err := models.ParseContractFamily(fam.Name)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical, errors.CodeConfigInvalid, "合约家族配置无效")
		}
		codec, err := s.registry.Codec(fam.ABI)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical, errors.CodeConfigInvalid,
				fmt.Sprintf("家族 %s 的 ABI 无效", fam.Name))
		}
		if fam.Factory == "" {
			s.logger.Warnf("家族 %s 未配置工厂地址，检测时将跳过", fam.Name)
		}
		sources = append(sources, events.FamilySource{
			Family:      family,
			Fetcher:     s.newFetcher(codec),
			Factory:     fam.Factory,
			Event:       fam.Event,
			ParentField: fam.ParentField,
		})
	}
	return sources, nil
}

// factoryFamily 返回以 contract 为工厂地址的家族配置
func (s *Service) factoryFamily(contract string) *config.FamilyConfig {
	for _, fam := range s.cfg.Families {
		if fam.Factory != "" && strings.EqualFold(fam.Factory, contract) {
			return fam
		}
	}
	return nil
}

// Detect 检测合约家族
func (s *Service) Detect(ctx context.Context, address string) (*models.Detection, error) {
	detection, err := s.detector.DetectDetailed(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.output.WriteDetection(detection); err != nil {
		s.recorder.Record("output", err)
	}
	return detection, nil
}

// Events 按区块区间和/或时间区间检索事件。abiJSON 为调用方提供的合约 ABI，为空时使用工厂合约
// 所属家族的 ABI 或内置工厂 ABI；event 为空时使用工厂合约所属家族的创建事件
func (s *Service) Events(ctx context.Context, contract, abiJSON, event string, opts models.EventQueryOptions) ([]*models.ContractEvent, error) {
	if err := s.validator.ValidateAddress(contract); err != nil {
		return nil, s.validator.Record(err)
	}
	check := s.validator.ValidateQuery(opts)
	if err := check.Err(); err != nil {
		return nil, s.validator.Record(err)
	}
	for _, w := range check.Warnings {
		s.logger.WithField("component", "service").Debug(w)
	}

	codecABI := ""
	if fam := s.factoryFamily(contract); fam != nil {
		if event == "" {
			event = fam.Event
		}
		codecABI = fam.ABI
	}
	if abiJSON != "" {
		normalized, err := decoder.NormalizeABI(abiJSON)
		if err != nil {
			return nil, err
		}
		codecABI = normalized
	}
	if event == "" {
		return nil, errors.InvalidInput("缺少事件名称")
	}

	fetcher := s.timeRange
	if codecABI != "" {
		codec, err := s.registry.Codec(codecABI)
		if err != nil {
			return nil, errors.InvalidInput("ABI 无效: %v", err)
		}
		fetcher = events.NewTimeRangeFetcher(s.client, s.locator, s.newFetcher(codec), s.logger)
	}

	start := time.Now()
	result, err := fetcher.Query(ctx, contract, event, opts)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"component": "service",
		"contract":  contract,
		"event":     event,
		"count":     len(result),
		"elapsed":   time.Since(start).String(),
	}).Debug("事件检索完成")

	for _, e := range result {
		if err := s.output.WriteEvent(e); err != nil {
			s.recorder.Record("output", err)
		}
	}
	return result, nil
}

// EventsByTime 检索时间区间内的事件
func (s *Service) EventsByTime(ctx context.Context, contract, abiJSON, event string, from, to time.Time) ([]*models.ContractEvent, error) {
	return s.Events(ctx, contract, abiJSON, event, models.EventQueryOptions{FromDate: &from, ToDate: &to})
}

// Locate 在 [start, end] 内定位时间戳，end 为空时取链高度
func (s *Service) Locate(ctx context.Context, timestamp, start uint64, end *uint64) (uint64, error) {
	if s.client == nil {
		return 0, errors.ProviderUnavailable("service")
	}
	var last uint64
	if end != nil {
		last = *end
	} else {
		height, err := s.client.BlockNumber(ctx)
		if err != nil {
			return 0, errors.LedgerFailed("获取链高度", err)
		}
		last = height
	}
	return s.locator.Locate(ctx, timestamp, start, last)
}

// Versions 查询父合约的版本历史
func (s *Service) Versions(ctx context.Context, family models.ContractFamily, parent string, opts events.HistoryOptions) ([]*models.ContractEvent, error) {
	return s.history.Versions(ctx, family, parent, opts)
}

// ForgetDetection 删除单个地址的缓存
func (s *Service) ForgetDetection(address string) (bool, error) {
	if s.store == nil {
		return false, errors.NewNotaryError(errors.ErrorTypeStorage, errors.SeverityLow, errors.CodeStorageFailed, "检测结果缓存未启用")
	}
	return s.store.Forget(address)
}

// ResetCache 清空检测结果缓存
func (s *Service) ResetCache() error {
	if s.store == nil {
		return errors.NewNotaryError(errors.ErrorTypeStorage, errors.SeverityLow, errors.CodeStorageFailed, "检测结果缓存未启用")
	}
	return s.store.Reset()
}

// Config 当前配置
func (s *Service) Config() *config.Config {
	return s.cfg
}

// ErrorStats 错误统计
func (s *Service) ErrorStats() errors.ErrorStats {
	return s.recorder.Snapshot()
}

// GetStats 获取服务统计信息
func (s *Service) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"codecs":     s.registry.GetCacheSize(),
		"errors":     s.recorder.Snapshot().TotalErrors,
		"validation": s.validator.GetValidationStats(),
	}
	if s.pool != nil {
		stats["nodes"] = s.pool.GetStats()
	}
	if s.store != nil {
		stats["cache"] = s.store.GetStats()
	}
	return stats
}

// Close 释放输出器、缓存和节点连接
func (s *Service) Close() error {
	var errs []error
	if s.output != nil {
		if err := s.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭输出器失败: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭缓存失败: %w", err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭连接池失败: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭服务时发生错误: %v", errs)
	}
	return nil
}
