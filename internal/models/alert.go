package models

import (
	"time"
)

// AlertStatus 告警记录状态
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "ACTIVE"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// AlertRule 告警规则（对应 alert_rules 表，由管理端维护，核心只读）
type AlertRule struct {
	ID              int64     `json:"id" db:"id"`
	DeviceCode      string    `json:"device_code" db:"device_code"`
	RuleName        string    `json:"rule_name" db:"rule_name"`
	MetricName      string    `json:"metric_name" db:"metric_name"`
	ConditionType   string    `json:"condition_type" db:"condition_type"`
	ThresholdMin    *float64  `json:"threshold_min,omitempty" db:"threshold_min"`
	ThresholdMax    *float64  `json:"threshold_max,omitempty" db:"threshold_max"`
	Severity        Severity  `json:"severity" db:"severity"`
	CooldownMinutes int       `json:"cooldown_minutes" db:"cooldown_minutes"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// AlertRecord 告警记录（对应 alert_records 表）
type AlertRecord struct {
	ID                  string      `json:"id" db:"id"`
	DeviceCode          string      `json:"device_code" db:"device_code"`
	DeviceID            int64       `json:"device_id" db:"device_id"`
	CompanyID           int64       `json:"company_id" db:"company_id"`
	RuleID              int64       `json:"rule_id" db:"rule_id"` // 0 表示内置离线规则
	MetricName          string      `json:"metric_name" db:"metric_name"`
	Title               string      `json:"title" db:"title"`
	Message             string      `json:"message" db:"message"`
	TriggerValue        *float64    `json:"trigger_value,omitempty" db:"trigger_value"`
	ThresholdValue      *float64    `json:"threshold_value,omitempty" db:"threshold_value"`
	Severity            Severity    `json:"severity" db:"severity"`
	Status              AlertStatus `json:"status" db:"status"`
	TriggeredAt         time.Time   `json:"triggered_at" db:"triggered_at"`
	AcknowledgedAt      *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy      *string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgmentNotes *string     `json:"acknowledgment_notes,omitempty" db:"acknowledgment_notes"`
	ResolvedAt          *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNotes     *string     `json:"resolution_notes,omitempty" db:"resolution_notes"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
}

// AlertFilters 告警记录查询条件
type AlertFilters struct {
	DeviceCode *string
	Statuses   []AlertStatus
	Severity   *Severity
	RuleID     *int64
	StartTime  *time.Time // created_at >= StartTime
	EndTime    *time.Time // created_at <= EndTime
	Limit      uint64
	Offset     uint64
}
