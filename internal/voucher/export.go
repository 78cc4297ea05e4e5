package voucher

import (
	"context"
	"errors"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/talkincode/hotspotbill/internal/gateway"
)

var ErrBatchNotFound = errors.New("voucher batch not found")

type csvRow struct {
	Code             string  `csv:"code"`
	PaymentReference string  `csv:"payment_reference"`
	Package          string  `csv:"package"`
	Price            float64 `csv:"price"`
	Duration         string  `csv:"duration"`
	Status           string  `csv:"status"`
	ExpiresAt        string  `csv:"expires_at"`
}

// ExportBatchCSV writes a printable sheet of a batch to w
func (p *Pool) ExportBatchCSV(ctx context.Context, batchID string, w io.Writer) error {
	vouchers, err := p.repo.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if len(vouchers) == 0 {
		return ErrBatchNotFound
	}
	rows := make([]*csvRow, 0, len(vouchers))
	for _, v := range vouchers {
		row := &csvRow{
			Code:             v.Code,
			PaymentReference: v.PaymentReference,
			Package:          v.PackageName,
			Price:            v.Price,
			Duration:         gateway.EncodeDuration(v.DurationMinutes),
			Status:           v.Status,
		}
		if row.Duration == "" {
			row.Duration = "unlimited"
		}
		if v.ExpiresAt != nil {
			row.ExpiresAt = v.ExpiresAt.Format("2006-01-02")
		}
		rows = append(rows, row)
	}
	return gocsv.Marshal(rows, w)
}
