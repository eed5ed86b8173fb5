package models

import (
	"time"
)

// 事件类型
const (
	EventTypeAlert         = "alert"
	EventTypeAlertResolved = "alert_resolved"
	EventTypeStatusChange  = "status_change"
	EventTypeDataLoss      = "data_loss"
)

// AlertEvent 告警事件，告警记录变为 ACTIVE 时发出
type AlertEvent struct {
	AlertID    string    `json:"alertId"`
	DeviceCode string    `json:"deviceCode"`
	RuleID     int64     `json:"ruleId"`
	MetricName string    `json:"metricName"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AlertResolvedEvent 告警自动解除事件
type AlertResolvedEvent struct {
	AlertID    string    `json:"alertId"`
	DeviceCode string    `json:"deviceCode"`
	Reason     string    `json:"reason"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// StatusChangeEvent 在线状态变化事件
type StatusChangeEvent struct {
	DeviceCode string       `json:"deviceCode"`
	From       OnlineStatus `json:"from"`
	To         OnlineStatus `json:"to"`
	LastSeenAt *time.Time   `json:"lastSeenAt,omitempty"`
	ChangedAt  time.Time    `json:"changedAt"`
}

// DataLossEvent 缓冲队列丢弃样本累计超过阈值时发出
type DataLossEvent struct {
	Kind      SampleKind `json:"kind"`
	Dropped   int64      `json:"dropped"`
	Threshold int64      `json:"threshold"`
	Reason    string     `json:"reason"`
	At        time.Time  `json:"at"`
}
