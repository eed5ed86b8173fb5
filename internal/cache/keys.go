package cache

import "fmt"

// 键前缀
const (
	DeviceInfoPrefix   = "device:info:"
	DeviceStatusPrefix = "device:status:"
	LatestSamplePrefix = "monitoring:"
	BufferQueuePrefix  = "buffer:queue:"
)

// DeviceInfoKey 设备信息键
func DeviceInfoKey(deviceCode string) string {
	return DeviceInfoPrefix + deviceCode
}

// DeviceStatusKey 设备状态哈希键
func DeviceStatusKey(deviceCode string) string {
	return DeviceStatusPrefix + deviceCode
}

// LatestSampleKey 最新样本键，如 monitoring:radiation:RAD-001
func LatestSampleKey(kind, deviceCode string) string {
	return fmt.Sprintf("%s%s:%s", LatestSamplePrefix, kind, deviceCode)
}

// BufferQueueKey 写缓冲队列键，如 buffer:queue:radiation
func BufferQueueKey(kind string) string {
	return BufferQueuePrefix + kind
}
