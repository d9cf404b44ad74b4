// Package kafka 提供了与 Kafka 消息队列交互的功能。
// 本服务只做生产者：入库完成事件发出后即认为职责结束，
// 失败只记日志，不影响流水线结果。
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/pkg/log"
	"solar-audit-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceOrthoIngested 发送一条正射影像入库完成事件。
// 生产者未初始化（如测试环境）时静默跳过。
func ProduceOrthoIngested(event tasks.OrthoIngestedEvent) error {
	if producer == nil {
		return nil
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return producer.WriteMessages(ctx,
		kafka.Message{
			Key:   []byte(event.JobID),
			Value: eventBytes,
		},
	)
}

// Close 关闭生产者连接。
func Close() {
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
}
