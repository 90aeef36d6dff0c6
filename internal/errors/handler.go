package errors

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Recorder 错误记录器：统计错误并按严重级别写日志，不改变错误的传播
type Recorder struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex
}

// NewRecorder 创建错误记录器
func NewRecorder(logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Recorder{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// Record 记录错误并返回对应的 NotaryError
func (r *Recorder) Record(component string, err error) *NotaryError {
	if err == nil {
		return nil
	}

	ne, ok := As(err)
	if !ok {
		ne = WrapError(err, ErrorTypeQueryFailed, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}
	if ne.Component == "" {
		ne.Component = component
	}

	r.mu.Lock()
	r.stats.RecordError(ne)
	r.mu.Unlock()

	r.log(ne)
	return ne
}

// log 根据严重级别选择日志级别
func (r *Recorder) log(err *NotaryError) {
	entry := r.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.BlockNumber != nil {
		entry = entry.WithField("block_number", *err.BlockNumber)
	}
	for k, v := range err.Context {
		entry = entry.WithField(k, v)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Detail())
	case SeverityMedium:
		entry.Warn(err.Detail())
	default:
		// Critical 也只记录 Error，记录器不负责退出进程
		entry.Error(err.Detail())
	}
}

// Snapshot 获取错误统计副本
func (r *Recorder) Snapshot() ErrorStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := ErrorStats{
		TotalErrors:       r.stats.TotalErrors,
		ErrorsByType:      make(map[string]int, len(r.stats.ErrorsByType)),
		ErrorsBySeverity:  make(map[string]int, len(r.stats.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(r.stats.ErrorsByComponent)),
		RecentErrors:      append([]*NotaryError(nil), r.stats.RecentErrors...),
		LastError:         r.stats.LastError,
		LastErrorTime:     r.stats.LastErrorTime,
	}
	for k, v := range r.stats.ErrorsByType {
		snap.ErrorsByType[k] = v
	}
	for k, v := range r.stats.ErrorsBySeverity {
		snap.ErrorsBySeverity[k] = v
	}
	for k, v := range r.stats.ErrorsByComponent {
		snap.ErrorsByComponent[k] = v
	}
	return snap
}

// ClearStats 清除统计信息
func (r *Recorder) ClearStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = NewErrorStats()
}
