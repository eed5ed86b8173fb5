package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// AlertRuleRepository 告警规则仓库（只读）
type AlertRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRuleRepository 创建告警规则仓库
func NewAlertRuleRepository(db *sql.DB, logger *zap.Logger) *AlertRuleRepository {
	return &AlertRuleRepository{
		db:     db,
		logger: logger,
	}
}

// ListByDevice 列出设备的全部未删除规则（包括已禁用的，恢复检查需要）
func (r *AlertRuleRepository) ListByDevice(ctx context.Context, deviceCode string) ([]models.AlertRule, error) {
	if deviceCode == "" {
		return nil, fmt.Errorf("device_code is required")
	}

	query := `
		SELECT
			id,
			device_code,
			rule_name,
			metric_name,
			condition_type,
			threshold_min,
			threshold_max,
			severity,
			cooldown_minutes,
			enabled,
			updated_at
		FROM alert_rules
		WHERE device_code = $1
		  AND deleted = false
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var rule models.AlertRule
		var thresholdMin, thresholdMax sql.NullFloat64
		var severity string
		if err := rows.Scan(
			&rule.ID,
			&rule.DeviceCode,
			&rule.RuleName,
			&rule.MetricName,
			&rule.ConditionType,
			&thresholdMin,
			&thresholdMax,
			&severity,
			&rule.CooldownMinutes,
			&rule.Enabled,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rule.Severity = models.Severity(severity)
		if thresholdMin.Valid {
			v := thresholdMin.Float64
			rule.ThresholdMin = &v
		}
		if thresholdMax.Valid {
			v := thresholdMax.Float64
			rule.ThresholdMax = &v
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rules: %w", err)
	}

	return rules, nil
}
