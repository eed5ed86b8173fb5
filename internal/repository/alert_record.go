package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// AlertRecordRepository 告警记录仓库
type AlertRecordRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *zap.Logger
}

// NewAlertRecordRepository 创建告警记录仓库
func NewAlertRecordRepository(db *sql.DB, logger *zap.Logger) *AlertRecordRepository {
	return &AlertRecordRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger:  logger,
	}
}

var alertRecordColumns = []string{
	"id",
	"device_code",
	"device_id",
	"company_id",
	"rule_id",
	"metric_name",
	"title",
	"message",
	"trigger_value",
	"threshold_value",
	"severity",
	"status",
	"triggered_at",
	"acknowledged_at",
	"acknowledged_by",
	"acknowledgment_notes",
	"resolved_at",
	"resolution_notes",
	"created_at",
	"updated_at",
}

func scanAlertRecord(s rowScanner) (*models.AlertRecord, error) {
	var rec models.AlertRecord
	var triggerValue, thresholdValue sql.NullFloat64
	var severity, status string
	var acknowledgedAt, resolvedAt sql.NullTime
	var acknowledgedBy, acknowledgmentNotes, resolutionNotes sql.NullString

	if err := s.Scan(
		&rec.ID,
		&rec.DeviceCode,
		&rec.DeviceID,
		&rec.CompanyID,
		&rec.RuleID,
		&rec.MetricName,
		&rec.Title,
		&rec.Message,
		&triggerValue,
		&thresholdValue,
		&severity,
		&status,
		&rec.TriggeredAt,
		&acknowledgedAt,
		&acknowledgedBy,
		&acknowledgmentNotes,
		&resolvedAt,
		&resolutionNotes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Severity = models.Severity(severity)
	rec.Status = models.AlertStatus(status)
	if triggerValue.Valid {
		v := triggerValue.Float64
		rec.TriggerValue = &v
	}
	if thresholdValue.Valid {
		v := thresholdValue.Float64
		rec.ThresholdValue = &v
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		rec.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	if acknowledgedBy.Valid {
		rec.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgmentNotes.Valid {
		rec.AcknowledgmentNotes = &acknowledgmentNotes.String
	}
	if resolutionNotes.Valid {
		rec.ResolutionNotes = &resolutionNotes.String
	}
	return &rec, nil
}

// ============================================
// 基础 CRUD 操作
// ============================================

// Create 写入新的告警记录
func (r *AlertRecordRepository) Create(ctx context.Context, rec *models.AlertRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("id is required")
	}
	if rec.DeviceCode == "" {
		return fmt.Errorf("device_code is required")
	}

	query := `
		INSERT INTO alert_records (
			id, device_code, device_id, company_id, rule_id, metric_name,
			title, message, trigger_value, threshold_value, severity, status,
			triggered_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.DeviceCode,
		rec.DeviceID,
		rec.CompanyID,
		rec.RuleID,
		rec.MetricName,
		rec.Title,
		rec.Message,
		rec.TriggerValue,
		rec.ThresholdValue,
		string(rec.Severity),
		string(rec.Status),
		rec.TriggeredAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert record: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取告警记录
func (r *AlertRecordRepository) GetByID(ctx context.Context, id string) (*models.AlertRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}

	query, args, err := r.builder.Select(alertRecordColumns...).
		From("alert_records").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rec, err := scanAlertRecord(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert record: %w", err)
	}
	return rec, nil
}

// ListActiveByDevice 列出设备全部 ACTIVE 告警
func (r *AlertRecordRepository) ListActiveByDevice(ctx context.Context, deviceCode string) ([]models.AlertRecord, error) {
	return r.List(ctx, models.AlertFilters{
		DeviceCode: &deviceCode,
		Statuses:   []models.AlertStatus{models.AlertStatusActive},
	})
}

// HasActiveSince 是否存在 since 之后创建的 ACTIVE 告警（冷却判断）
func (r *AlertRecordRepository) HasActiveSince(ctx context.Context, deviceCode string, ruleID int64, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM alert_records
			WHERE device_code = $1
			  AND rule_id = $2
			  AND status = $3
			  AND created_at >= $4
		)
	`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, deviceCode, ruleID, string(models.AlertStatusActive), since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check active alert: %w", err)
	}
	return exists, nil
}

// ============================================
// 状态迁移
// ============================================

// Acknowledge 确认告警，仅 ACTIVE 状态可确认；返回是否发生更新
func (r *AlertRecordRepository) Acknowledge(ctx context.Context, id, acknowledgedBy, notes string, at time.Time) (bool, error) {
	query := `
		UPDATE alert_records
		SET status = $2,
		    acknowledged_at = $3,
		    acknowledged_by = $4,
		    acknowledgment_notes = $5,
		    updated_at = $3
		WHERE id = $1
		  AND status = $6
	`

	res, err := r.db.ExecContext(ctx, query,
		id,
		string(models.AlertStatusAcknowledged),
		at,
		acknowledgedBy,
		notes,
		string(models.AlertStatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Resolve 解决告警，ACTIVE 或 ACKNOWLEDGED 状态可解决；返回是否发生更新
func (r *AlertRecordRepository) Resolve(ctx context.Context, id, notes string, at time.Time) (bool, error) {
	query := `
		UPDATE alert_records
		SET status = $2,
		    resolved_at = $3,
		    resolution_notes = $4,
		    updated_at = $3
		WHERE id = $1
		  AND status IN ($5, $6)
	`

	res, err := r.db.ExecContext(ctx, query,
		id,
		string(models.AlertStatusResolved),
		at,
		notes,
		string(models.AlertStatusActive),
		string(models.AlertStatusAcknowledged),
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ============================================
// 查询
// ============================================

// List 按条件查询告警记录，按创建时间倒序
func (r *AlertRecordRepository) List(ctx context.Context, filters models.AlertFilters) ([]models.AlertRecord, error) {
	builder := r.builder.Select(alertRecordColumns...).
		From("alert_records").
		OrderBy("created_at DESC")

	if filters.DeviceCode != nil {
		builder = builder.Where(sq.Eq{"device_code": *filters.DeviceCode})
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, 0, len(filters.Statuses))
		for _, s := range filters.Statuses {
			statuses = append(statuses, string(s))
		}
		builder = builder.Where(sq.Eq{"status": statuses})
	}
	if filters.Severity != nil {
		builder = builder.Where(sq.Eq{"severity": string(*filters.Severity)})
	}
	if filters.RuleID != nil {
		builder = builder.Where(sq.Eq{"rule_id": *filters.RuleID})
	}
	if filters.StartTime != nil {
		builder = builder.Where(sq.GtOrEq{"created_at": *filters.StartTime})
	}
	if filters.EndTime != nil {
		builder = builder.Where(sq.LtOrEq{"created_at": *filters.EndTime})
	}
	if filters.Limit > 0 {
		builder = builder.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		builder = builder.Offset(filters.Offset)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert records: %w", err)
	}
	defer rows.Close()

	var records []models.AlertRecord
	for rows.Next() {
		rec, err := scanAlertRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert records: %w", err)
	}

	return records, nil
}

// CountByStatus 各状态告警数量
func (r *AlertRecordRepository) CountByStatus(ctx context.Context) (map[models.AlertStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM alert_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count alert records: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AlertStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts[models.AlertStatus(status)] = n
	}
	return counts, rows.Err()
}
