package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// DeviceRepository 设备仓库（ems_device 表，由管理端维护，这里只读元数据并回写在线时间）
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceSnapshotColumns = `id, device_code, COALESCE(company_id, 0), device_type, status`

// GetByCode 根据设备编码获取设备快照
func (r *DeviceRepository) GetByCode(ctx context.Context, deviceCode string) (*models.DeviceSnapshot, error) {
	if deviceCode == "" {
		return nil, fmt.Errorf("device_code is required")
	}

	query := `SELECT ` + deviceSnapshotColumns + ` FROM ems_device WHERE device_code = $1`

	var d models.DeviceSnapshot
	var deviceType string
	err := r.db.QueryRowContext(ctx, query, deviceCode).Scan(
		&d.DeviceID,
		&d.DeviceCode,
		&d.CompanyID,
		&deviceType,
		&d.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceCode, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	d.DeviceType = models.DeviceType(deviceType)

	return &d, nil
}

// ListReportEnabled 列出开启数据上报的辐射/环境设备（缓存预热用）
func (r *DeviceRepository) ListReportEnabled(ctx context.Context) ([]models.DeviceSnapshot, error) {
	query := `
		SELECT ` + deviceSnapshotColumns + `
		FROM ems_device
		WHERE data_report_enabled = true
		  AND device_type IN ($1, $2)
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, string(models.DeviceTypeRadiation), string(models.DeviceTypeEnvironment))
	if err != nil {
		return nil, fmt.Errorf("failed to list report-enabled devices: %w", err)
	}
	defer rows.Close()

	var devices []models.DeviceSnapshot
	for rows.Next() {
		var d models.DeviceSnapshot
		var deviceType string
		if err := rows.Scan(&d.DeviceID, &d.DeviceCode, &d.CompanyID, &deviceType, &d.Status); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.DeviceType = models.DeviceType(deviceType)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return devices, nil
}

const deviceActivityColumns = `id, device_code, COALESCE(company_id, 0), last_online_at, last_message_at`

func scanActivity(s rowScanner) (models.DeviceActivity, error) {
	var a models.DeviceActivity
	var lastOnline, lastMessage sql.NullTime
	if err := s.Scan(&a.DeviceID, &a.DeviceCode, &a.CompanyID, &lastOnline, &lastMessage); err != nil {
		return a, err
	}
	if lastOnline.Valid {
		t := lastOnline.Time
		a.LastOnlineAt = &t
	}
	if lastMessage.Valid {
		t := lastMessage.Time
		a.LastMessageAt = &t
	}
	return a, nil
}

// ListActivity 列出全部设备的最近活动时间（状态预热、离线检测用）
func (r *DeviceRepository) ListActivity(ctx context.Context) ([]models.DeviceActivity, error) {
	query := `SELECT ` + deviceActivityColumns + ` FROM ems_device ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list device activity: %w", err)
	}
	defer rows.Close()

	var result []models.DeviceActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device activity: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device activity: %w", err)
	}

	return result, nil
}

// GetActivity 获取单个设备的最近活动时间
func (r *DeviceRepository) GetActivity(ctx context.Context, deviceCode string) (*models.DeviceActivity, error) {
	query := `SELECT ` + deviceActivityColumns + ` FROM ems_device WHERE device_code = $1`

	a, err := scanActivity(r.db.QueryRowContext(ctx, query, deviceCode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceCode, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device activity: %w", err)
	}
	return &a, nil
}

// ListActivityByCodes 批量获取设备最近活动时间（单次查询，避免 N+1）
func (r *DeviceRepository) ListActivityByCodes(ctx context.Context, deviceCodes []string) (map[string]models.DeviceActivity, error) {
	result := make(map[string]models.DeviceActivity, len(deviceCodes))
	if len(deviceCodes) == 0 {
		return result, nil
	}

	query := `SELECT ` + deviceActivityColumns + ` FROM ems_device WHERE device_code = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(deviceCodes))
	if err != nil {
		return nil, fmt.Errorf("failed to list device activity by codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device activity: %w", err)
		}
		result[a.DeviceCode] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device activity: %w", err)
	}

	return result, nil
}

// UpdateLastOnline 批量回写设备最后在线时间，只前进不后退
func (r *DeviceRepository) UpdateLastOnline(ctx context.Context, lastSeen map[string]time.Time) (int64, error) {
	if len(lastSeen) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE ems_device
		SET last_online_at = $2,
		    last_message_at = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE device_code = $1
		  AND (last_online_at IS NULL OR last_online_at < $2)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare last_online update: %w", err)
	}
	defer stmt.Close()

	var updated int64
	for code, t := range lastSeen {
		res, err := stmt.ExecContext(ctx, code, t)
		if err != nil {
			return 0, fmt.Errorf("failed to update last_online_at for %s: %w", code, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		updated += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit last_online update: %w", err)
	}
	return updated, nil
}
