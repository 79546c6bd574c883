package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"sos-emergency/internal/models"

	"github.com/xuri/excelize/v2"
)

const historySheet = "Emergency History"

// HistoryExportHeader 导出表头
var HistoryExportHeader = []string{
	"Emergency ID",
	"Type",
	"Status",
	"Triggered By",
	"Auto Triggered",
	"Latitude",
	"Longitude",
	"Message",
	"Created At",
	"Activated At",
	"Cancelled At",
	"Resolved At",
	"Escalated At",
	"Resolution Notes",
}

var historyColumnWidths = []float64{38, 15, 12, 22, 15, 12, 12, 40, 22, 22, 22, 22, 22, 40}

// GenerateHistoryExport 生成历史记录 XLSX
func GenerateHistoryExport(rows []models.Emergency) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(historySheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	// 删除 Sheet1 后索引会变化
	index, err := f.GetSheetIndex(historySheet)
	if err != nil {
		return nil, fmt.Errorf("failed to locate sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FDE2E2"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range HistoryExportHeader {
		if err := setCell(f, col+1, 1, header); err != nil {
			return nil, err
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(historySheet, name, name, historyColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(HistoryExportHeader), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(historySheet, "A1", lastHeader, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i := range rows {
		e := &rows[i]
		row := i + 2
		values := []any{
			e.ID.String(),
			e.EmergencyType.String(),
			e.Status.String(),
			e.TriggeredBy,
			yesNo(e.AutoTriggered),
			e.InitialLocation.Latitude,
			e.InitialLocation.Longitude,
			deref(e.InitialMessage),
			formatTime(&e.CreatedAt),
			formatTime(e.ActivatedAt),
			formatTime(e.CancelledAt),
			formatTime(e.ResolvedAt),
			formatTime(e.EscalatedAt),
			deref(e.ResolutionNotes),
		}
		for col, v := range values {
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			if err := setCell(f, col+1, row, v); err != nil {
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(historySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	return buf.Bytes(), nil
}

func setCell(f *excelize.File, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(historySheet, cell, value)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
