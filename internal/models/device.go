package models

import (
	"time"
)

// DeviceType 设备类型
type DeviceType string

const (
	DeviceTypeRadiation   DeviceType = "RADIATION_MONITOR"
	DeviceTypeEnvironment DeviceType = "ENVIRONMENT_STATION"
)

// DeviceSnapshot 设备元数据快照（对应 ems_device 表，缓存中只保存 ID 引用）
type DeviceSnapshot struct {
	DeviceCode string     `json:"device_code" db:"device_code"`
	DeviceID   int64      `json:"device_id" db:"id"`
	CompanyID  int64      `json:"company_id" db:"company_id"` // 0 表示未分配
	DeviceType DeviceType `json:"device_type" db:"device_type"`
	Status     string     `json:"status" db:"status"` // ONLINE, OFFLINE, MAINTENANCE, FAULT
}

// DeviceActivity 设备最近活动时间（用于状态预热与离线检测）
type DeviceActivity struct {
	DeviceCode    string     `db:"device_code"`
	DeviceID      int64      `db:"id"`
	CompanyID     int64      `db:"company_id"`
	LastOnlineAt  *time.Time `db:"last_online_at"`
	LastMessageAt *time.Time `db:"last_message_at"`
}

// LastSeen 返回最近一次活动时间，均为空时返回零值
func (a DeviceActivity) LastSeen() time.Time {
	var t time.Time
	if a.LastOnlineAt != nil {
		t = *a.LastOnlineAt
	}
	if a.LastMessageAt != nil && a.LastMessageAt.After(t) {
		t = *a.LastMessageAt
	}
	return t
}

// DeviceStatusRecord 设备易变状态（Redis 哈希 device:status:{code}）
type DeviceStatusRecord struct {
	DeviceCode    string       `json:"device_code"`
	DeviceID      int64        `json:"device_id"`
	CompanyID     int64        `json:"company_id"`
	LastMessageAt time.Time    `json:"last_message_at"`
	LastCPM       *float64     `json:"last_cpm,omitempty"`
	LastBattery   *float64     `json:"last_battery,omitempty"`
	Status        OnlineStatus `json:"status"`
}

// OnlineStatus 在线状态
type OnlineStatus string

const (
	StatusNeverSeen OnlineStatus = "NEVER_SEEN"
	StatusOnline    OnlineStatus = "ONLINE"
	StatusWarning   OnlineStatus = "WARNING"
	StatusOffline   OnlineStatus = "OFFLINE"
	StatusUnknown   OnlineStatus = "UNKNOWN"
)
