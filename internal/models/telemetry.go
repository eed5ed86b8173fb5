package models

import (
	"fmt"
	"time"
)

// SampleKind 样本类型，每种类型对应一个缓冲队列和一张数据表
type SampleKind string

const (
	KindRadiation   SampleKind = "radiation"
	KindEnvironment SampleKind = "environment"
)

// SampleKinds 全部样本类型（按刷新顺序）
var SampleKinds = []SampleKind{KindRadiation, KindEnvironment}

// ParseSampleKind 解析样本类型
func ParseSampleKind(s string) (SampleKind, error) {
	switch SampleKind(s) {
	case KindRadiation, KindEnvironment:
		return SampleKind(s), nil
	default:
		return "", fmt.Errorf("unknown sample kind: %q", s)
	}
}

// 指标名称（TelemetrySample.Metrics 的键）
const (
	MetricKeyCPM         = "cpm"
	MetricKeyBatVolt     = "batvolt" // 辐射设备电池电压
	MetricKeyBattery     = "battery" // 环境设备电池电压
	MetricKeyTemperature = "temperature"
	MetricKeyWetness     = "wetness"
	MetricKeyWindSpeed   = "windspeed"
	MetricKeyTotal       = "total"
)

// GPSFix GPS 定位信息（仅辐射设备）
type GPSFix struct {
	Longitude string `json:"longitude"`
	Latitude  string `json:"latitude"`
	Type      string `json:"type"` // BDS 或 LBS
}

// TelemetrySample 遥测样本
type TelemetrySample struct {
	DeviceCode string             `json:"device_code"`
	Kind       SampleKind         `json:"kind"`
	Metrics    map[string]float64 `json:"metrics"`
	GPS        *GPSFix            `json:"gps,omitempty"`
	RawData    string             `json:"raw_data,omitempty"`
	RecordTime time.Time          `json:"record_time"`
	ReceivedAt time.Time          `json:"received_at"`
}

// Metric 读取指标值
func (s *TelemetrySample) Metric(key string) (float64, bool) {
	if s == nil || s.Metrics == nil {
		return 0, false
	}
	v, ok := s.Metrics[key]
	return v, ok
}

// Battery 读取电池电压（两种设备字段名不同）
func (s *TelemetrySample) Battery() (float64, bool) {
	if v, ok := s.Metric(MetricKeyBatVolt); ok {
		return v, true
	}
	return s.Metric(MetricKeyBattery)
}

// Validate 边界校验，缺少设备标识或类型的样本不进入缓冲
func (s *TelemetrySample) Validate() error {
	if s.DeviceCode == "" {
		return fmt.Errorf("device_code is required")
	}
	if _, err := ParseSampleKind(string(s.Kind)); err != nil {
		return err
	}
	if s.RecordTime.IsZero() {
		return fmt.Errorf("record_time is required")
	}
	return nil
}
