package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notary/internal/config"
	"notary/internal/errors"
	"notary/internal/validation"
	"notary/pkg/models"
)

// Output 查询结果输出接口
type Output interface {
	WriteEvent(event *models.ContractEvent) error
	WriteDetection(detection *models.Detection) error
	Close() error
}

// NewOutput 按配置创建输出器，format 为空或 none 时不输出
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case "", "none":
		return NopOutput{}, nil
	case "json":
		return NewFileOutput(cfg.Directory, logger)
	case "kafka":
		brokers := []string{"localhost:9092"}
		var topics map[string]string
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			topics = cfg.Kafka.Topics
		}
		return NewKafkaOutput(brokers, topics, logger)
	default:
		return nil, errors.NewNotaryError(errors.ErrorTypeConfig, errors.SeverityCritical, errors.CodeConfigInvalid,
			fmt.Sprintf("不支持的输出格式: %s", cfg.Format))
	}
}

// NopOutput 丢弃所有结果
type NopOutput struct{}

func (NopOutput) WriteEvent(*models.ContractEvent) error { return nil }
func (NopOutput) WriteDetection(*models.Detection) error { return nil }
func (NopOutput) Close() error                           { return nil }

// FileOutput 以 JSON Lines 格式写入文件，每种结果一个文件
type FileOutput struct {
	outputDir     string
	eventFile     *os.File
	detectionFile *os.File
	validator     *validation.Validator
	logger        *logrus.Logger
	mu            sync.Mutex
}

// NewFileOutput 在 outputDir 下创建带时间戳的输出文件
func NewFileOutput(outputDir string, logger *logrus.Logger) (*FileOutput, error) {
	if outputDir == "" {
		outputDir = "./outputs"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, outputError("创建输出目录失败", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	eventFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("events_%s.json", timestamp)))
	if err != nil {
		return nil, outputError("创建事件文件失败", err)
	}

	detectionFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("detections_%s.json", timestamp)))
	if err != nil {
		eventFile.Close()
		return nil, outputError("创建检测结果文件失败", err)
	}

	logger.WithField("component", "output").Debugf("输出目录: %s", outputDir)

	return &FileOutput{
		outputDir:     outputDir,
		eventFile:     eventFile,
		detectionFile: detectionFile,
		validator:     validation.NewValidator(logger, false),
		logger:        logger,
	}, nil
}

// WriteEvent 写入事件，校验失败的事件不会写入
func (o *FileOutput) WriteEvent(event *models.ContractEvent) error {
	if event == nil {
		return nil
	}
	if err := o.validator.ValidateEvent(event).Err(); err != nil {
		return err
	}
	return o.writeLine(o.eventFile, event)
}

// WriteDetection 写入检测结果
func (o *FileOutput) WriteDetection(detection *models.Detection) error {
	if detection == nil {
		return nil
	}
	return o.writeLine(o.detectionFile, detection)
}

func (o *FileOutput) writeLine(file *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return outputError("序列化输出数据失败", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := file.Write(data); err != nil {
		return outputError("写入输出文件失败", err)
	}
	// 强制刷新到磁盘
	if err := file.Sync(); err != nil {
		return outputError("刷新输出文件失败", err)
	}
	return nil
}

// Files 返回事件文件和检测结果文件的路径
func (o *FileOutput) Files() (string, string) {
	return o.eventFile.Name(), o.detectionFile.Name()
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	var errs []error
	if o.eventFile != nil {
		if err := o.eventFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭事件文件失败: %w", err))
		}
	}
	if o.detectionFile != nil {
		if err := o.detectionFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭检测结果文件失败: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}

func outputError(message string, err error) *errors.NotaryError {
	return errors.WrapError(err, errors.ErrorTypeOutput, errors.SeverityMedium, errors.CodeOutputFailed, message)
}
