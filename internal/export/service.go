package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/filetrack/filetrack/internal/service"
)

// Service is a tiny façade over the queue service that produces XLSX bytes
// for operator reports.
type Service struct {
	queue  *service.QueueService
	logger *slog.Logger
}

func NewService(q *service.QueueService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: q, logger: logger}
}

// FailedTasksXLSX returns an XLSX workbook (as bytes) listing the failed set.
// A nil ownerID reports over all owners.
func (s *Service) FailedTasksXLSX(ctx context.Context, ownerID *int64) ([]byte, error) {
	start := time.Now()

	st, err := s.queue.QueueStatus(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query queue status: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Failed Tasks"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Task ID",
		"Owner",
		"Filename",
		"Locator",
		"Job Type",
		"Attempts",
		"Failure Reason",
		"Last Attempt",
		"Failed At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, t := range st.Details.Failed {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, t.ID)
		write(2, t.Payload.OwnerID)
		write(3, t.Payload.Filename)
		write(4, t.Payload.Locator)
		write(5, t.Payload.JobType)
		write(6, t.Attempts)
		write(7, t.FailureReason)
		if t.ProcessedAt != nil {
			write(8, t.ProcessedAt.Format(time.RFC3339))
		}
		if t.FinishedAt != nil {
			write(9, t.FinishedAt.Format(time.RFC3339))
		}
		row++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	s.logger.Info("failed-task report generated", "rows", row-2, "took", time.Since(start))
	return buf.Bytes(), nil
}
