package output

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"notary/internal/validation"
	"notary/pkg/models"
)

// 默认 topic
const (
	DefaultEventTopic     = "notary_contract_events"
	DefaultDetectionTopic = "notary_contract_detections"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger    *logrus.Logger
	topics    map[string]string // 数据类型到topic的映射
	producer  sarama.SyncProducer
	validator *validation.Validator
}

// NewKafkaConfig 生产者配置
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, outputError("创建Kafka生产者失败", err)
	}
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	if topics == nil {
		topics = map[string]string{}
	}
	logger.Debugf("Kafka topics配置: %v", topics)
	return &KafkaOutput{
		logger:    logger,
		topics:    topics,
		producer:  producer,
		validator: validation.NewValidator(logger, false),
	}
}

func (k *KafkaOutput) topic(kind, fallback string) string {
	if topic, ok := k.topics[kind]; ok && topic != "" {
		return topic
	}
	return fallback
}

// send 以 key 分区发送 JSON 消息，同一合约的消息落在同一分区
func (k *KafkaOutput) send(topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return outputError("序列化数据失败", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return outputError("发送消息到Kafka失败", err)
	}

	k.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	}).Debug("消息已发送到Kafka")
	return nil
}

// WriteEvent 发送事件
func (k *KafkaOutput) WriteEvent(event *models.ContractEvent) error {
	if event == nil {
		return nil
	}
	if err := k.validator.ValidateEvent(event).Err(); err != nil {
		return err
	}
	return k.send(k.topic("events", DefaultEventTopic), event.Contract, event)
}

// WriteDetection 发送检测结果
func (k *KafkaOutput) WriteDetection(detection *models.Detection) error {
	if detection == nil {
		return nil
	}
	return k.send(k.topic("detections", DefaultDetectionTopic), detection.Address, detection)
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
