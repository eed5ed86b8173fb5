package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// AlertExportHeader 告警导出表头
var AlertExportHeader = []string{
	"Alert ID",
	"Device Code",
	"Rule ID",
	"Metric",
	"Severity",
	"Status",
	"Title",
	"Message",
	"Trigger Value",
	"Threshold",
	"Triggered At",
	"Acknowledged At",
	"Acknowledged By",
	"Resolved At",
	"Resolution Notes",
}

const alertSheetName = "Alerts"

// GenerateAlertExport 生成告警记录导出 Excel 文件
func GenerateAlertExport(records []models.AlertRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(alertSheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	header := make([]any, len(AlertExportHeader))
	for i, h := range AlertExportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(alertSheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(AlertExportHeader))
	if err != nil {
		return nil, fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(alertSheetName, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}
	if err := f.SetColWidth(alertSheetName, "A", lastCol, 18); err != nil {
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		row := alertRow(rec)
		if err := f.SetSheetRow(alertSheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func alertRow(rec models.AlertRecord) []any {
	return []any{
		rec.ID,
		rec.DeviceCode,
		rec.RuleID,
		rec.MetricName,
		string(rec.Severity),
		string(rec.Status),
		rec.Title,
		rec.Message,
		floatCell(rec.TriggerValue),
		floatCell(rec.ThresholdValue),
		formatTime(&rec.TriggeredAt),
		formatTime(rec.AcknowledgedAt),
		stringCell(rec.AcknowledgedBy),
		formatTime(rec.ResolvedAt),
		stringCell(rec.ResolutionNotes),
	}
}

func floatCell(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func stringCell(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
