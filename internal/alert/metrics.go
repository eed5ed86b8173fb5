package alert

import (
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// 规则指标名称（alert_rules.metric_name）
const (
	MetricCPM            = "CPM"
	MetricBatteryVoltage = "BATTERY_VOLTAGE"
	MetricTemperature    = "TEMPERATURE"
	MetricHumidity       = "HUMIDITY"
	MetricWindSpeed      = "WIND_SPEED"
	MetricCPMRise        = "CPM_RISE"
	MetricDeviceOffline  = "DEVICE_OFFLINE"
)

// sampleContext 计算指标所需的上下文
type sampleContext struct {
	sample   *models.TelemetrySample
	previous *models.DeviceStatusRecord // 本次样本写入前的设备状态，可为 nil
	minCPM   float64
}

// metricFunc 从样本中取出指标值，样本不含该指标时返回 false
type metricFunc func(sc sampleContext) (float64, bool)

func sampleMetric(key string) metricFunc {
	return func(sc sampleContext) (float64, bool) {
		return sc.sample.Metric(key)
	}
}

// metricTable 指标名 → 取值函数
var metricTable = map[string]metricFunc{
	MetricCPM: sampleMetric(models.MetricKeyCPM),
	MetricBatteryVoltage: func(sc sampleContext) (float64, bool) {
		return sc.sample.Battery()
	},
	MetricTemperature: sampleMetric(models.MetricKeyTemperature),
	MetricHumidity:    sampleMetric(models.MetricKeyWetness),
	MetricWindSpeed:   sampleMetric(models.MetricKeyWindSpeed),
	MetricCPMRise:     cpmRise,
}

// cpmRise 相对上一次 CPM 的上升百分比；上一次低于 minCPM 时不计算，避免本底噪声误报
func cpmRise(sc sampleContext) (float64, bool) {
	current, ok := sc.sample.Metric(models.MetricKeyCPM)
	if !ok || sc.previous == nil || sc.previous.LastCPM == nil {
		return 0, false
	}
	prev := *sc.previous.LastCPM
	if prev <= 0 || prev < sc.minCPM {
		return 0, false
	}
	return (current - prev) / prev * 100, true
}
