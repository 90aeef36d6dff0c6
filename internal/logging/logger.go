package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // 日志级别 (debug, info, warn, error)
	Format string `json:"format" mapstructure:"format"` // 日志格式 (json, text)
	Output string `json:"output" mapstructure:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// NewLogger 按配置创建 logrus 日志器，返回的 io.Closer 用于关闭日志文件
func NewLogger(config *LogConfig) (*logrus.Logger, io.Closer, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closer, err := getLogWriter(config.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch strings.ToLower(config.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return logger, closer, nil
}

// ParseLevel 解析日志级别
func ParseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// getLogWriter 获取日志输出
func getLogWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr", "":
		return os.Stderr, nopCloser{}, nil
	default:
		dir := filepath.Dir(output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, file, nil
	}
}

// Component 组件专用日志条目
func Component(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// ContractLogger 合约查询专用日志条目
func ContractLogger(logger *logrus.Logger, component, address string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": component,
		"address":   address,
	})
}
