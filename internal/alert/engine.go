package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/notify"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
)

var (
	// ErrAlertNotFound 告警记录不存在
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidTransition 告警状态不允许该操作
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// 自动解除原因
const (
	ReasonRuleDisabled = "rule disabled"
	ReasonRecovered    = "recovered"
	ReasonBackOnline   = "recovered: device back online"
)

// 内置规则的 rule_id，数据库中的规则 id 均为正数
const (
	OfflineRuleID    int64 = 0
	CPMRiseRuleID    int64 = -1
	LowBatteryRuleID int64 = -2
)

// RuleStore 告警规则来源
type RuleStore interface {
	ListByDevice(ctx context.Context, deviceCode string) ([]models.AlertRule, error)
}

// RecordStore 告警记录持久化
type RecordStore interface {
	Create(ctx context.Context, rec *models.AlertRecord) error
	GetByID(ctx context.Context, id string) (*models.AlertRecord, error)
	ListActiveByDevice(ctx context.Context, deviceCode string) ([]models.AlertRecord, error)
	HasActiveSince(ctx context.Context, deviceCode string, ruleID int64, since time.Time) (bool, error)
	Acknowledge(ctx context.Context, id, acknowledgedBy, notes string, at time.Time) (bool, error)
	Resolve(ctx context.Context, id, notes string, at time.Time) (bool, error)
	List(ctx context.Context, filters models.AlertFilters) ([]models.AlertRecord, error)
	CountByStatus(ctx context.Context) (map[models.AlertStatus]int64, error)
}

// Config 告警引擎配置
type Config struct {
	DefaultCooldownMinutes int
	RuleCacheTTL           time.Duration
	OfflineEnabled         bool
	OfflineSeverity        models.Severity
	CPMRiseMinCPM          float64

	// 内置规则：设备未配置同指标规则时生效
	BuiltinEnabled         bool
	CPMRisePercent         float64 // 相对上一次 CPM 上升超过该百分比时告警，<= 0 关闭
	CPMRiseCooldownMinutes int
	LowBatteryVoltage      float64 // 电压低于该值（V）时告警，<= 0 关闭
}

// Outcome 单次样本评估结果
type Outcome struct {
	Triggered []models.AlertRecord
	Resolved  []string
	Skipped   int // 处于冷却期而未创建的触发
	Failed    int
}

// Engine 告警引擎
type Engine struct {
	rules    *ruleCache
	records  RecordStore
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine 创建告警引擎
func NewEngine(rules RuleStore, records RecordStore, notifier notify.Notifier, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		rules:    newRuleCache(rules, cfg.RuleCacheTTL, builtinRules(cfg, logger), logger),
		records:  records,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// builtinRules 按配置生成内置的 CPM 突增与低电压规则
func builtinRules(cfg Config, logger *zap.Logger) []compiledRule {
	if !cfg.BuiltinEnabled {
		return nil
	}

	var rules []models.AlertRule
	if cfg.CPMRisePercent > 0 {
		rules = append(rules, models.AlertRule{
			ID:              CPMRiseRuleID,
			RuleName:        "CPM rise",
			MetricName:      MetricCPMRise,
			ConditionType:   ConditionGreaterThan,
			ThresholdMax:    &cfg.CPMRisePercent,
			Severity:        models.SeverityCritical,
			CooldownMinutes: cfg.CPMRiseCooldownMinutes,
			Enabled:         true,
		})
	}
	if cfg.LowBatteryVoltage > 0 {
		rules = append(rules, models.AlertRule{
			ID:            LowBatteryRuleID,
			RuleName:      "Low battery",
			MetricName:    MetricBatteryVoltage,
			ConditionType: ConditionLessThan,
			ThresholdMin:  &cfg.LowBatteryVoltage,
			Severity:      models.SeverityWarning,
			Enabled:       true,
		})
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			logger.Warn("Skipping invalid built-in alert rule", zap.String("metric", rule.MetricName), zap.Error(err))
			continue
		}
		compiled = append(compiled, cr)
	}
	return compiled
}

// InvalidateRules 规则变更后清除缓存，deviceCode 为空时清除全部
func (e *Engine) InvalidateRules(deviceCode string) {
	e.rules.invalidate(deviceCode)
}

// EvaluateSample 评估一条样本：先做恢复检查，再评估新触发
// previous 为写入本样本之前的设备状态（CPM_RISE 使用），可为 nil
func (e *Engine) EvaluateSample(ctx context.Context, device *models.DeviceSnapshot, sample *models.TelemetrySample, previous *models.DeviceStatusRecord) (Outcome, error) {
	var out Outcome

	set, err := e.rules.get(ctx, device.DeviceCode)
	if err != nil {
		return out, err
	}
	if len(set.rules) == 0 {
		return out, nil
	}

	sc := sampleContext{sample: sample, previous: previous, minCPM: e.cfg.CPMRiseMinCPM}
	now := e.now()

	e.runRecovery(ctx, device.DeviceCode, set, sc, now, &out)

	for i := range set.rules {
		cr := &set.rules[i]
		if !cr.rule.Enabled || cr.offline {
			continue
		}
		value, ok := cr.metric(sc)
		if !ok || !cr.pred.matches(value) {
			continue
		}

		rec, created, err := e.trigger(ctx, device, cr, value, now)
		if err != nil {
			out.Failed++
			e.logger.Error("Failed to create alert",
				zap.String("device_code", device.DeviceCode),
				zap.Int64("rule_id", cr.rule.ID),
				zap.Error(err),
			)
			continue
		}
		if !created {
			out.Skipped++
			continue
		}
		out.Triggered = append(out.Triggered, *rec)
	}
	return out, nil
}

// runRecovery 对设备的 ACTIVE 告警做恢复检查
func (e *Engine) runRecovery(ctx context.Context, deviceCode string, set *ruleSet, sc sampleContext, now time.Time, out *Outcome) {
	active, err := e.records.ListActiveByDevice(ctx, deviceCode)
	if err != nil {
		out.Failed++
		e.logger.Warn("Failed to load active alerts for recovery check",
			zap.String("device_code", deviceCode),
			zap.Error(err),
		)
		return
	}

	for _, rec := range active {
		if rec.MetricName == MetricDeviceOffline {
			// 离线告警由 ResolveOffline 处理
			continue
		}

		reason := ""
		cr, ok := set.byID[rec.RuleID]
		switch {
		case !ok || !cr.rule.Enabled:
			reason = ReasonRuleDisabled
		default:
			value, has := cr.metric(sc)
			if has && !cr.pred.matches(value) {
				reason = ReasonRecovered
			}
		}
		if reason == "" {
			continue
		}

		if e.autoResolve(ctx, rec, reason, now) {
			out.Resolved = append(out.Resolved, rec.ID)
		} else {
			out.Failed++
		}
	}
}

func (e *Engine) autoResolve(ctx context.Context, rec models.AlertRecord, reason string, now time.Time) bool {
	ok, err := e.records.Resolve(ctx, rec.ID, reason, now)
	if err != nil {
		e.logger.Error("Failed to auto-resolve alert",
			zap.String("alert_id", rec.ID),
			zap.String("device_code", rec.DeviceCode),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		// 已被人工处理
		return false
	}

	e.logger.Info("Alert auto-resolved",
		zap.String("alert_id", rec.ID),
		zap.String("device_code", rec.DeviceCode),
		zap.Int64("rule_id", rec.RuleID),
		zap.String("reason", reason),
	)
	e.notifier.PublishAlertResolved(ctx, models.AlertResolvedEvent{
		AlertID:    rec.ID,
		DeviceCode: rec.DeviceCode,
		Reason:     reason,
		ResolvedAt: now,
	})
	return true
}

func (e *Engine) cooldown(rule models.AlertRule) time.Duration {
	minutes := rule.CooldownMinutes
	if minutes <= 0 {
		minutes = e.cfg.DefaultCooldownMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// trigger 冷却期内已有 ACTIVE 记录时不创建
func (e *Engine) trigger(ctx context.Context, device *models.DeviceSnapshot, cr *compiledRule, value float64, now time.Time) (*models.AlertRecord, bool, error) {
	exists, err := e.records.HasActiveSince(ctx, device.DeviceCode, cr.rule.ID, now.Add(-e.cooldown(cr.rule)))
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, nil
	}

	threshold := cr.pred.threshold(value)
	rec := e.newRecord(device, cr.rule, now)
	rec.TriggerValue = &value
	rec.ThresholdValue = &threshold
	rec.Message = fmt.Sprintf("%s %.2f %s", cr.rule.MetricName, value, cr.pred.describe())

	if err := e.create(ctx, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (e *Engine) newRecord(device *models.DeviceSnapshot, rule models.AlertRule, now time.Time) *models.AlertRecord {
	title := rule.RuleName
	if title == "" {
		title = rule.MetricName
	}
	return &models.AlertRecord{
		ID:          uuid.NewString(),
		DeviceCode:  device.DeviceCode,
		DeviceID:    device.DeviceID,
		CompanyID:   device.CompanyID,
		RuleID:      rule.ID,
		MetricName:  rule.MetricName,
		Title:       title,
		Severity:    rule.Severity,
		Status:      models.AlertStatusActive,
		TriggeredAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *Engine) create(ctx context.Context, rec *models.AlertRecord) error {
	if err := e.records.Create(ctx, rec); err != nil {
		return err
	}

	e.logger.Info("Alert triggered",
		zap.String("alert_id", rec.ID),
		zap.String("device_code", rec.DeviceCode),
		zap.Int64("rule_id", rec.RuleID),
		zap.String("metric", rec.MetricName),
		zap.String("severity", string(rec.Severity)),
	)
	e.notifier.PublishAlert(ctx, models.AlertEvent{
		AlertID:    rec.ID,
		DeviceCode: rec.DeviceCode,
		RuleID:     rec.RuleID,
		MetricName: rec.MetricName,
		Severity:   rec.Severity,
		Message:    rec.Message,
		CreatedAt:  rec.CreatedAt,
	})
	return nil
}

// ============================================
// 离线告警
// ============================================

// offlineRules 设备的离线规则；没有配置时使用内置规则
func (e *Engine) offlineRules(set *ruleSet) []models.AlertRule {
	var rules []models.AlertRule
	for _, cr := range set.rules {
		if cr.offline && cr.rule.Enabled {
			rules = append(rules, cr.rule)
		}
	}
	if len(rules) > 0 || !e.cfg.OfflineEnabled {
		return rules
	}
	return []models.AlertRule{{
		ID:              OfflineRuleID,
		RuleName:        "Device offline",
		MetricName:      MetricDeviceOffline,
		Severity:        e.cfg.OfflineSeverity,
		CooldownMinutes: e.cfg.DefaultCooldownMinutes,
		Enabled:         true,
	}}
}

// RaiseOffline 设备进入 OFFLINE 时创建离线告警
// 同一规则已有未解决的离线告警时不重复创建
func (e *Engine) RaiseOffline(ctx context.Context, device *models.DeviceSnapshot, lastSeen *time.Time) ([]models.AlertRecord, error) {
	set, err := e.rules.get(ctx, device.DeviceCode)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var created []models.AlertRecord
	for _, rule := range e.offlineRules(set) {
		exists, err := e.records.HasActiveSince(ctx, device.DeviceCode, rule.ID, time.Time{})
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		rec := e.newRecord(device, rule, now)
		if lastSeen != nil {
			minutes := now.Sub(*lastSeen).Minutes()
			rec.TriggerValue = &minutes
			rec.Message = fmt.Sprintf("device offline, last seen %s", lastSeen.Format(time.RFC3339))
		} else {
			rec.Message = "device offline"
		}

		if err := e.create(ctx, rec); err != nil {
			return created, err
		}
		created = append(created, *rec)
	}
	return created, nil
}

// ResolveOffline 设备恢复上报后解除离线告警（包括已确认的）
func (e *Engine) ResolveOffline(ctx context.Context, deviceCode string) (int, error) {
	records, err := e.records.List(ctx, models.AlertFilters{
		DeviceCode: &deviceCode,
		Statuses:   []models.AlertStatus{models.AlertStatusActive, models.AlertStatusAcknowledged},
	})
	if err != nil {
		return 0, err
	}

	now := e.now()
	resolved := 0
	for _, rec := range records {
		if rec.MetricName != MetricDeviceOffline {
			continue
		}
		if e.autoResolve(ctx, rec, ReasonBackOnline, now) {
			resolved++
		}
	}
	return resolved, nil
}

// ============================================
// 人工操作
// ============================================

// Acknowledge 确认告警：ACTIVE → ACKNOWLEDGED
func (e *Engine) Acknowledge(ctx context.Context, id, acknowledgedBy, notes string) (*models.AlertRecord, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.AlertStatusActive {
		return nil, fmt.Errorf("cannot acknowledge alert in status %s: %w", rec.Status, ErrInvalidTransition)
	}

	now := e.now()
	ok, err := e.records.Acknowledge(ctx, id, acknowledgedBy, notes, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("alert %s changed concurrently: %w", id, ErrInvalidTransition)
	}

	rec.Status = models.AlertStatusAcknowledged
	rec.AcknowledgedAt = &now
	rec.AcknowledgedBy = &acknowledgedBy
	rec.AcknowledgmentNotes = &notes
	rec.UpdatedAt = now
	return rec, nil
}

// Resolve 解决告警：ACTIVE/ACKNOWLEDGED → RESOLVED；RESOLVED 为终态
func (e *Engine) Resolve(ctx context.Context, id, notes string) (*models.AlertRecord, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.AlertStatusResolved {
		return nil, fmt.Errorf("alert already resolved: %w", ErrInvalidTransition)
	}

	now := e.now()
	ok, err := e.records.Resolve(ctx, id, notes, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("alert %s changed concurrently: %w", id, ErrInvalidTransition)
	}

	rec.Status = models.AlertStatusResolved
	rec.ResolvedAt = &now
	rec.ResolutionNotes = &notes
	rec.UpdatedAt = now
	return rec, nil
}

func (e *Engine) load(ctx context.Context, id string) (*models.AlertRecord, error) {
	rec, err := e.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrAlertNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// ListAlerts 查询告警记录
func (e *Engine) ListAlerts(ctx context.Context, filters models.AlertFilters) ([]models.AlertRecord, error) {
	return e.records.List(ctx, filters)
}

// CountByStatus 各状态告警数量
func (e *Engine) CountByStatus(ctx context.Context) (map[models.AlertStatus]int64, error) {
	return e.records.CountByStatus(ctx)
}
