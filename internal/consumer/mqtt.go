package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rideguard/internal/models"
	"rideguard/internal/mqtt"
)

// MQTTConsumer MQTT 入站通道：设备经 broker 上报时走这里进队列。
// 载荷与 WebSocket 入口相同（带 type 字段的 JSON），校验后统一 Submit。
type MQTTConsumer struct {
	client     *mqtt.Client
	topic      string // 如 "helmet/+/ingest"
	qos        byte
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(client *mqtt.Client, topic string, qos byte, dispatcher *Dispatcher, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		client:     client,
		topic:      topic,
		qos:        qos,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start 订阅主题并阻塞到上下文取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}
	if err := c.client.Subscribe(c.topic, c.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to ingest topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.topic),
	)

	<-ctx.Done()

	if err := c.client.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 解析并提交一条 MQTT 消息。
// 畸形消息记日志丢弃；队列满时随 Submit 阻塞形成背压。
func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	msg, err := models.ParseMessage(payload)
	if err != nil {
		c.logger.Warn("Discarding malformed MQTT message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	if err := c.dispatcher.Submit(ctx, msg); err != nil {
		return fmt.Errorf("failed to submit MQTT message: %w", err)
	}
	return nil
}
