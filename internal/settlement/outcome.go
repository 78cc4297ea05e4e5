package settlement

import (
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/mpesa"
)

// Outcome of one payment confirmation
type Outcome string

const (
	Settled                   Outcome = "settled"
	DuplicateTransaction      Outcome = "duplicate_transaction"
	AlreadySettledDifferently Outcome = "already_settled_differently"
	OutOfStock                Outcome = "out_of_stock"
	AmountMismatch            Outcome = "amount_mismatch"
	VoucherNotFound           Outcome = "voucher_not_found"
	VoucherUnavailable        Outcome = "voucher_unavailable"
	PaymentFailed             Outcome = "payment_failed"
	InvalidPayload            Outcome = "invalid_payload"
)

// Result of a settlement attempt
type Result struct {
	Outcome   Outcome         `json:"outcome"`
	VoucherID int64           `json:"voucher_id,string,omitempty"`
	IntentID  int64           `json:"intent_id,string,omitempty"`
	Message   string          `json:"message"`
	Voucher   *domain.Voucher `json:"-"`
}

// Ack the acknowledgment for the payment gateway. Only an unknown reference
// asks for a redelivery, every other outcome is final.
func (r *Result) Ack() mpesa.Ack {
	if r.Outcome == VoucherNotFound {
		return mpesa.Rejected(r.Message)
	}
	return mpesa.Accepted(r.Message)
}

// AckFor acknowledges a confirmation, persistence failures are retried by the gateway
func AckFor(res *Result, err error) mpesa.Ack {
	if err != nil || res == nil {
		return mpesa.Rejected("temporary failure, retry")
	}
	return res.Ack()
}
