package output

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/internal/errors"
)

func expectMessage(topic, key string) mocks.MessageChecker {
	return func(msg *sarama.ProducerMessage) error {
		if msg.Topic != topic {
			return fmt.Errorf("topic = %s, want %s", msg.Topic, topic)
		}
		k, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(k) != key {
			return fmt.Errorf("key = %s, want %s", k, key)
		}
		return nil
	}
}

func TestKafkaOutput_Topics(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectMessage("custom_events", sampleEvent().Contract))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectMessage(DefaultDetectionTopic, sampleDetection().Address))

	out := NewKafkaOutputWithProducer(producer, map[string]string{"events": "custom_events"}, logrus.New())
	require.NoError(t, out.WriteEvent(sampleEvent()))
	require.NoError(t, out.WriteDetection(sampleDetection()))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_Payload(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var payload map[string]any
		if err := json.Unmarshal(val, &payload); err != nil {
			return err
		}
		if payload["family"] != "broadcast" {
			return fmt.Errorf("family = %v", payload["family"])
		}
		return nil
	})

	out := NewKafkaOutputWithProducer(producer, nil, logrus.New())
	require.NoError(t, out.WriteDetection(sampleDetection()))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	out := NewKafkaOutputWithProducer(producer, nil, logrus.New())
	err := out.WriteEvent(sampleEvent())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOutput))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_InvalidEventIsNotSent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())

	out := NewKafkaOutputWithProducer(producer, nil, logrus.New())
	event := sampleEvent()
	event.Contract = "nope"
	assert.Error(t, out.WriteEvent(event))
	require.NoError(t, out.Close())
}
