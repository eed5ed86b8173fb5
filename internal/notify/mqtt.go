package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// MQTTClient MQTT 发布能力（common/mqtt.Client 实现）
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTPublisher 发布到 MQTT：{baseTopic}/{type}/{deviceCode}
type MQTTPublisher struct {
	client    MQTTClient
	baseTopic string
	qos       byte
}

// NewMQTTPublisher 创建 MQTT 发布者
func NewMQTTPublisher(client MQTTClient, baseTopic string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{
		client:    client,
		baseTopic: baseTopic,
		qos:       qos,
	}
}

// Name 发布者名称
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Topic 事件主题，系统级事件使用 _system 作为设备段
func (p *MQTTPublisher) Topic(ev Event) string {
	device := ev.DeviceCode
	if device == "" {
		device = "_system"
	}
	return fmt.Sprintf("%s/%s/%s", p.baseTopic, ev.Type, device)
}

// Publish 发布事件
func (p *MQTTPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(p.Topic(ev), p.qos, false, payload)
}
