package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/alert"
	"github.com/zxyfanta/emsv1-sub000/internal/buffer"
	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	rediscommon "github.com/zxyfanta/emsv1-sub000/internal/common/redis"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/online"
	"github.com/zxyfanta/emsv1-sub000/internal/scheduler"
)

// 告警列表默认与最大条数
const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
	maxExportRows     = 10000

	defaultEventLimit = 50
	maxEventLimit     = 500
)

// BufferInspector 写缓冲查询
type BufferInspector interface {
	Capacity() int64
	QueueSize(ctx context.Context, kind models.SampleKind) (int64, error)
	ReadLatest(ctx context.Context, deviceCode string, kind models.SampleKind) (*models.TelemetrySample, error)
	Stats() map[models.SampleKind]buffer.KindStats
}

// FlushController 刷新调度查询与手动触发
type FlushController interface {
	FlushOnce(ctx context.Context, kind models.SampleKind) scheduler.FlushResult
	Stats() map[models.SampleKind]scheduler.FlushStats
}

// CacheStatsProvider 缓存客户端统计
type CacheStatsProvider interface {
	Stats() cache.Stats
}

// WarmUpper 缓存预热
type WarmUpper interface {
	WarmUp(ctx context.Context) (loaded, failed int, err error)
}

// StatusReader 设备状态缓存读取
type StatusReader interface {
	Get(ctx context.Context, deviceCode string) (*models.DeviceStatusRecord, error)
}

// DeviceEvictor 设备缓存失效
type DeviceEvictor interface {
	EvictDeviceWithDelay(ctx context.Context, deviceCode string)
	EvictDeviceImmediate(ctx context.Context, deviceCode string)
}

// OnlineInspector 在线状态判定
type OnlineInspector interface {
	Evaluate(ctx context.Context, deviceCode string) (online.Result, error)
	Stats(ctx context.Context, deviceCodes []string) (map[models.OnlineStatus]int, error)
	Forget(deviceCode string)
}

// EventReader 最近事件（Redis Streams）
type EventReader interface {
	Recent(ctx context.Context, eventType string, count int64) ([]rediscommon.StreamMessage, error)
}

// DeviceLister 上报设备列表
type DeviceLister interface {
	ListReportEnabled(ctx context.Context) ([]models.DeviceSnapshot, error)
}

// AlertManager 告警查询与状态流转
type AlertManager interface {
	ListAlerts(ctx context.Context, filters models.AlertFilters) ([]models.AlertRecord, error)
	CountByStatus(ctx context.Context) (map[models.AlertStatus]int64, error)
	Acknowledge(ctx context.Context, id, acknowledgedBy, notes string) (*models.AlertRecord, error)
	Resolve(ctx context.Context, id, notes string) (*models.AlertRecord, error)
	InvalidateRules(deviceCode string)
}

// AdminDeps 管理接口依赖
type AdminDeps struct {
	Buffer      BufferInspector
	Flush       FlushController
	Cache       CacheStatsProvider
	InfoCache   WarmUpper
	StatusCache interface {
		WarmUpper
		StatusReader
	}
	Evictor DeviceEvictor
	Online  OnlineInspector
	Devices DeviceLister
	Alerts  AlertManager
	Events  EventReader // 未启用事件流时为 nil
	// Extra 附加到 /admin/cache/stats 的运行计数（接入、通知等）
	Extra func() map[string]any
}

// AdminHandler 运维管理接口
type AdminHandler struct {
	deps   AdminDeps
	logger *zap.Logger
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(deps AdminDeps, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{deps: deps, logger: logger}
}

func kindParam(w http.ResponseWriter, r *http.Request) (models.SampleKind, bool) {
	kind, err := models.ParseSampleKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return kind, true
}

// QueueSizes GET /admin/queues
func (h *AdminHandler) QueueSizes(w http.ResponseWriter, r *http.Request) {
	sizes := make(map[models.SampleKind]int64, len(models.SampleKinds))
	for _, kind := range models.SampleKinds {
		n, err := h.deps.Buffer.QueueSize(r.Context(), kind)
		if err != nil {
			h.logger.Warn("Failed to read queue size", zap.String("kind", string(kind)), zap.Error(err))
			n = -1
		}
		sizes[kind] = n
	}
	writeOK(w, map[string]any{
		"capacity": h.deps.Buffer.Capacity(),
		"sizes":    sizes,
		"buffer":   h.deps.Buffer.Stats(),
	})
}

// QueueSize GET /admin/queues/{kind}/size
func (h *AdminHandler) QueueSize(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	n, err := h.deps.Buffer.QueueSize(r.Context(), kind)
	if err != nil {
		writeFail(w, http.StatusServiceUnavailable, "queue unavailable: "+err.Error())
		return
	}
	writeOK(w, map[string]any{"kind": kind, "size": n, "capacity": h.deps.Buffer.Capacity()})
}

// FlushQueue POST /admin/queues/{kind}/flush
func (h *AdminHandler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	writeOK(w, h.deps.Flush.FlushOnce(r.Context(), kind))
}

// FlushStats GET /admin/flush/stats
func (h *AdminHandler) FlushStats(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, h.deps.Flush.Stats())
}

// CacheStats GET /admin/cache/stats
func (h *AdminHandler) CacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"cache":  h.deps.Cache.Stats(),
		"buffer": h.deps.Buffer.Stats(),
		"flush":  h.deps.Flush.Stats(),
	}
	if h.deps.Extra != nil {
		for k, v := range h.deps.Extra() {
			stats[k] = v
		}
	}
	writeOK(w, stats)
}

// WarmUp POST /admin/cache/warmup
func (h *AdminHandler) WarmUp(w http.ResponseWriter, r *http.Request) {
	infoLoaded, infoFailed, err := h.deps.InfoCache.WarmUp(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "device info warm-up failed: "+err.Error())
		return
	}
	statusLoaded, statusFailed, err := h.deps.StatusCache.WarmUp(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "device status warm-up failed: "+err.Error())
		return
	}
	writeOK(w, map[string]int{
		"info_loaded":   infoLoaded,
		"info_failed":   infoFailed,
		"status_loaded": statusLoaded,
		"status_failed": statusFailed,
	})
}

// EvictDevice DELETE /admin/devices/{code}/cache?mode=delayed|immediate
// 设备在数据库中被修改后调用；默认延迟双删
func (h *AdminHandler) EvictDevice(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "delayed":
		mode = "delayed"
		h.deps.Evictor.EvictDeviceWithDelay(r.Context(), code)
	case "immediate":
		h.deps.Evictor.EvictDeviceImmediate(r.Context(), code)
		h.deps.Online.Forget(code)
	default:
		writeFail(w, http.StatusBadRequest, "mode must be delayed or immediate")
		return
	}
	h.deps.Alerts.InvalidateRules(code)
	writeOK(w, map[string]string{"device_code": code, "mode": mode})
}

// DeviceStatus GET /admin/devices/{code}/status
func (h *AdminHandler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := h.deps.StatusCache.Get(r.Context(), code)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := h.deps.Online.Evaluate(r.Context(), code)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"status": rec, "online": res})
}

// LatestSample GET /admin/devices/{code}/latest?kind=radiation
func (h *AdminHandler) LatestSample(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	kind, err := models.ParseSampleKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	sample, err := h.deps.Buffer.ReadLatest(r.Context(), code, kind)
	if err != nil {
		writeFail(w, http.StatusServiceUnavailable, "cache unavailable: "+err.Error())
		return
	}
	if sample == nil {
		writeFail(w, http.StatusNotFound, "no recent sample")
		return
	}
	writeOK(w, sample)
}

// OnlineStats GET /admin/online/stats
func (h *AdminHandler) OnlineStats(w http.ResponseWriter, r *http.Request) {
	devices, err := h.deps.Devices.ListReportEnabled(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	codes := make([]string, len(devices))
	for i, d := range devices {
		codes[i] = d.DeviceCode
	}
	counts, err := h.deps.Online.Stats(r.Context(), codes)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"total": len(codes), "counts": counts})
}

var eventTypes = map[string]bool{
	models.EventTypeAlert:         true,
	models.EventTypeAlertResolved: true,
	models.EventTypeStatusChange:  true,
	models.EventTypeDataLoss:      true,
}

// RecentEvents GET /admin/events/{type}?limit=
func (h *AdminHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		writeFail(w, http.StatusNotFound, "event stream disabled")
		return
	}
	eventType := chi.URLParam(r, "type")
	if !eventTypes[eventType] {
		writeFail(w, http.StatusBadRequest, "unknown event type: "+eventType)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), defaultEventLimit)
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}

	msgs, err := h.deps.Events.Recent(r.Context(), eventType, int64(limit))
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"type": eventType, "events": msgs})
}

// ListAlerts GET /admin/alerts?device_code=&status=ACTIVE,ACKNOWLEDGED&severity=&start=&end=&limit=&offset=
func (h *AdminHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filters, err := parseAlertFilters(r, defaultAlertLimit, maxAlertLimit)
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.deps.Alerts.ListAlerts(r.Context(), filters)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.AlertRecord{}
	}
	writeOK(w, map[string]any{"items": records, "count": len(records)})
}

// CountAlerts GET /admin/alerts/count
func (h *AdminHandler) CountAlerts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Alerts.CountByStatus(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, counts)
}

// ExportAlerts GET /admin/alerts/export
func (h *AdminHandler) ExportAlerts(w http.ResponseWriter, r *http.Request) {
	filters, err := parseAlertFilters(r, maxExportRows, maxExportRows)
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.deps.Alerts.ListAlerts(r.Context(), filters)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := GenerateAlertExport(records)
	if err != nil {
		h.logger.Error("Failed to generate alert export", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "failed to generate export")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=alerts-export.xlsx")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
	Notes          string `json:"notes"`
}

// AcknowledgeAlert POST /admin/alerts/{id}/acknowledge
func (h *AdminHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.AcknowledgedBy == "" {
		writeFail(w, http.StatusBadRequest, "acknowledged_by is required")
		return
	}
	rec, err := h.deps.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.AcknowledgedBy, req.Notes)
	if err != nil {
		h.writeAlertError(w, err)
		return
	}
	writeOK(w, rec)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

// ResolveAlert POST /admin/alerts/{id}/resolve
func (h *AdminHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid body")
		return
	}
	rec, err := h.deps.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.writeAlertError(w, err)
		return
	}
	writeOK(w, rec)
}

func (h *AdminHandler) writeAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alert.ErrAlertNotFound):
		writeFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alert.ErrInvalidTransition):
		writeFail(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Alert operation failed", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, err.Error())
	}
}

func parseAlertFilters(r *http.Request, defLimit, maxLimit int) (models.AlertFilters, error) {
	q := r.URL.Query()
	var f models.AlertFilters

	if code := q.Get("device_code"); code != "" {
		f.DeviceCode = &code
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := models.AlertStatus(strings.ToUpper(strings.TrimSpace(s)))
			switch status {
			case models.AlertStatusActive, models.AlertStatusAcknowledged, models.AlertStatusResolved:
				f.Statuses = append(f.Statuses, status)
			default:
				return f, errors.New("invalid status: " + s)
			}
		}
	}
	if raw := q.Get("severity"); raw != "" {
		sev := models.Severity(strings.ToUpper(raw))
		switch sev {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
			f.Severity = &sev
		default:
			return f, errors.New("invalid severity: " + raw)
		}
	}
	for name, dst := range map[string]**time.Time{"start": &f.StartTime, "end": &f.EndTime} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("invalid " + name + " time, expected RFC3339")
		}
		*dst = &t
	}

	limit := parseInt(q.Get("limit"), defLimit)
	if limit <= 0 {
		limit = defLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	f.Limit = uint64(limit)
	if offset := parseInt(q.Get("offset"), 0); offset > 0 {
		f.Offset = uint64(offset)
	}
	return f, nil
}
