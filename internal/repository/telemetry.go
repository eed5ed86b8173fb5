package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// 单条 INSERT 的最大行数（PostgreSQL 参数上限 65535）
const maxRowsPerInsert = 5000

type telemetryColumn struct {
	name   string
	metric string // 为空表示非指标列
}

type telemetryTable struct {
	name    string
	columns []telemetryColumn
}

// 每种样本类型一张表
var telemetryTables = map[models.SampleKind]telemetryTable{
	models.KindRadiation: {
		name: "ems_radiation_device_data",
		columns: []telemetryColumn{
			{name: "cpm", metric: models.MetricKeyCPM},
			{name: "batvolt", metric: models.MetricKeyBatVolt},
		},
	},
	models.KindEnvironment: {
		name: "ems_environment_device_data",
		columns: []telemetryColumn{
			{name: "cpm", metric: models.MetricKeyCPM},
			{name: "temperature", metric: models.MetricKeyTemperature},
			{name: "wetness", metric: models.MetricKeyWetness},
			{name: "windspeed", metric: models.MetricKeyWindSpeed},
			{name: "total", metric: models.MetricKeyTotal},
			{name: "battery", metric: models.MetricKeyBattery},
		},
	},
}

// execer *sql.DB 与 *sql.Tx 共用
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TelemetryRepository 遥测数据仓库，按类型批量写入
type TelemetryRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	maxRows int
	logger  *zap.Logger
}

// NewTelemetryRepository 创建遥测数据仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		maxRows: maxRowsPerInsert,
		logger:  logger,
	}
}

// InsertBatch 批量写入同一类型的样本，保持传入顺序；返回写入行数
func (r *TelemetryRepository) InsertBatch(ctx context.Context, kind models.SampleKind, samples []models.TelemetrySample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	table, ok := telemetryTables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown sample kind: %q", kind)
	}

	// 超过单条 INSERT 上限时分段写入，各段在同一事务中提交，
	// 失败时整批回滚，调用方重新入队不会产生重复行
	if len(samples) <= r.maxRows {
		total, err := r.insertChunks(ctx, r.db, kind, table, samples)
		if err != nil {
			return 0, err
		}
		r.logInserted(table, total)
		return total, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	total, err := r.insertChunks(ctx, tx, kind, table, samples)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert into %s: %w", table.name, err)
	}
	r.logInserted(table, total)
	return total, nil
}

func (r *TelemetryRepository) insertChunks(ctx context.Context, db execer, kind models.SampleKind, table telemetryTable, samples []models.TelemetrySample) (int64, error) {
	var total int64
	for start := 0; start < len(samples); start += r.maxRows {
		end := start + r.maxRows
		if end > len(samples) {
			end = len(samples)
		}

		query, args, err := r.buildInsert(kind, table, samples[start:end]).ToSql()
		if err != nil {
			return 0, fmt.Errorf("failed to build insert for %s: %w", table.name, err)
		}

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %d rows into %s: %w", end-start, table.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func (r *TelemetryRepository) logInserted(table telemetryTable, total int64) {
	r.logger.Debug("Telemetry batch inserted",
		zap.String("table", table.name),
		zap.Int64("rows", total),
	)
}

func (r *TelemetryRepository) buildInsert(kind models.SampleKind, table telemetryTable, samples []models.TelemetrySample) sq.InsertBuilder {
	columns := []string{"device_code", "raw_data", "record_time"}
	for _, c := range table.columns {
		columns = append(columns, c.name)
	}
	if kind == models.KindRadiation {
		columns = append(columns, "gps_longitude", "gps_latitude", "gps_type")
	}

	insert := r.builder.Insert(table.name).Columns(columns...)
	for _, s := range samples {
		values := []interface{}{s.DeviceCode, nullString(s.RawData), s.RecordTime}
		for _, c := range table.columns {
			if v, ok := s.Metric(c.metric); ok {
				values = append(values, v)
			} else {
				values = append(values, nil)
			}
		}
		if kind == models.KindRadiation {
			if s.GPS != nil {
				values = append(values, nullString(s.GPS.Longitude), nullString(s.GPS.Latitude), nullString(s.GPS.Type))
			} else {
				values = append(values, nil, nil, nil)
			}
		}
		insert = insert.Values(values...)
	}
	return insert
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
