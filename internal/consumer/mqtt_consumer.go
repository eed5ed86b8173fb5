package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	mqttcommon "github.com/zxyfanta/emsv1-sub000/internal/common/mqtt"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// 单条消息处理超时
const ingestTimeout = 5 * time.Second

// 设备上报的时间格式，如 2025/01/15 14:30:45
const deviceTimeLayout = "2006/01/02 15:04:05"

// Subscriber MQTT 订阅能力（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Ingester 样本接收方
type Ingester interface {
	Ingest(ctx context.Context, sample *models.TelemetrySample) error
}

// Stats 消费计数
type Stats struct {
	Received int64 `json:"received"`
	Ingested int64 `json:"ingested"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// MQTTConsumer 遥测数据 MQTT 消费者
// 主题格式: ems/{kind}/{deviceCode}/data
type MQTTConsumer struct {
	sub      Subscriber
	ingester Ingester
	topic    string
	qos      byte
	logger   *zap.Logger
	now      func() time.Time

	received atomic.Int64
	ingested atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(sub Subscriber, ingester Ingester, topic string, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		sub:      sub,
		ingester: ingester,
		topic:    topic,
		qos:      qos,
		logger:   logger,
		now:      time.Now,
	}
}

// Start 订阅数据主题并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.sub.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to data topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic))

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop() {
	if err := c.sub.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

// Stats 返回消费计数
func (c *MQTTConsumer) Stats() Stats {
	return Stats{
		Received: c.received.Load(),
		Ingested: c.ingested.Load(),
		Rejected: c.rejected.Load(),
		Failed:   c.failed.Load(),
	}
}

// handleMessage 处理MQTT消息，返回的错误由 MQTT 客户端记录
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.received.Add(1)
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	sample, err := c.decode(topic, payload)
	if err != nil {
		c.rejected.Add(1)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	if err := c.ingester.Ingest(ctx, sample); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("failed to ingest sample from %s: %w", sample.DeviceCode, err)
	}
	c.ingested.Add(1)
	return nil
}

func (c *MQTTConsumer) decode(topic string, payload []byte) (*models.TelemetrySample, error) {
	kind, deviceCode, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}
	receivedAt := c.now()
	sample, err := DecodePayload(kind, deviceCode, payload, receivedAt)
	if err != nil {
		return nil, err
	}
	if err := sample.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sample on %s: %w", topic, err)
	}
	return sample, nil
}

// ParseTopic 从主题解析样本类型和设备编码
func ParseTopic(topic string) (models.SampleKind, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "ems" || parts[3] != "data" {
		return "", "", fmt.Errorf("invalid topic format: %s", topic)
	}
	kind, err := models.ParseSampleKind(strings.ToLower(parts[1]))
	if err != nil {
		return "", "", fmt.Errorf("invalid topic %s: %w", topic, err)
	}
	if parts[2] == "" {
		return "", "", fmt.Errorf("invalid topic %s: empty device code", topic)
	}
	return kind, parts[2], nil
}

type gpsPayload struct {
	Longitude string `json:"longitude"`
	Latitude  string `json:"latitude"`
	UTC       string `json:"UTC"`
	Useful    *int   `json:"useful"`
}

func (g *gpsPayload) valid() bool {
	if g == nil || g.Longitude == "" || g.Latitude == "" {
		return false
	}
	return g.Useful == nil || *g.Useful == 1
}

// devicePayload 两类设备共用的上报格式
// 辐射: {"src":1,"msgtype":1,"CPM":123,"Batvolt":3989,"time":"2025/01/15 14:30:45","BDS":{...},"LBS":{...}}
// 环境: {"src":1,"CPM":4,"temperature":10,"wetness":95,"windspeed":0.2,"total":144.1,"battery":11.9}
type devicePayload struct {
	CPM         *float64    `json:"CPM"`
	Batvolt     *float64    `json:"Batvolt"` // 毫伏
	Temperature *float64    `json:"temperature"`
	Wetness     *float64    `json:"wetness"`
	Windspeed   *float64    `json:"windspeed"`
	Total       *float64    `json:"total"`
	Battery     *float64    `json:"battery"` // 伏
	Time        string      `json:"time"`
	BDS         *gpsPayload `json:"BDS"`
	LBS         *gpsPayload `json:"LBS"`
}

// DecodePayload 解析设备 JSON 上报为样本
func DecodePayload(kind models.SampleKind, deviceCode string, payload []byte, receivedAt time.Time) (*models.TelemetrySample, error) {
	var p devicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	metrics := make(map[string]float64)
	put := func(key string, v *float64) {
		if v != nil {
			metrics[key] = *v
		}
	}
	put(models.MetricKeyCPM, p.CPM)

	switch kind {
	case models.KindRadiation:
		if p.Batvolt != nil {
			metrics[models.MetricKeyBatVolt] = *p.Batvolt / 1000.0
		}
	case models.KindEnvironment:
		put(models.MetricKeyTemperature, p.Temperature)
		put(models.MetricKeyWetness, p.Wetness)
		put(models.MetricKeyWindSpeed, p.Windspeed)
		put(models.MetricKeyTotal, p.Total)
		put(models.MetricKeyBattery, p.Battery)
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("no metrics in payload for %s", deviceCode)
	}

	sample := &models.TelemetrySample{
		DeviceCode: deviceCode,
		Kind:       kind,
		Metrics:    metrics,
		RawData:    string(payload),
		RecordTime: receivedAt,
		ReceivedAt: receivedAt,
	}
	if p.Time != "" {
		if t, err := time.ParseInLocation(deviceTimeLayout, p.Time, receivedAt.Location()); err == nil {
			sample.RecordTime = t
		}
	}

	if kind == models.KindRadiation {
		switch {
		case p.BDS.valid():
			sample.GPS = &models.GPSFix{Longitude: p.BDS.Longitude, Latitude: p.BDS.Latitude, Type: "BDS"}
		case p.LBS.valid():
			sample.GPS = &models.GPSFix{Longitude: p.LBS.Longitude, Latitude: p.LBS.Latitude, Type: "LBS"}
		}
	}
	return sample, nil
}
