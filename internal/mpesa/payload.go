// Package mpesa decodes M-Pesa payment notifications (C2B confirmations and
// STK push callbacks) into one confirmation shape and renders the body level
// acknowledgment the payment gateway expects.
package mpesa

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

const Provider = "mpesa"

// Payload sources
const (
	SourceC2B = "c2b"
	SourceSTK = "stk"
)

var (
	ErrUnknownPayload = errors.New("unrecognized mpesa payload")
	ErrMissingField   = errors.New("mpesa payload is missing a required field")
)

var json = jsoniter.Config{UseNumber: true}.Froze()

// Confirmation a payment notification. MSISDN may be a SHA-256 hash; STK
// callbacks carry no bill reference and are matched by CheckoutRequestID.
type Confirmation struct {
	Source            string    `json:"source"`
	TransID           string    `json:"trans_id"`
	Amount            float64   `json:"amount"`
	MSISDN            string    `json:"msisdn"`
	BillRefNumber     string    `json:"bill_ref_number"`
	TransTime         time.Time `json:"trans_time"`
	FirstName         string    `json:"first_name"`
	ShortCode         string    `json:"short_code"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	ResultCode        int       `json:"result_code"`
	ResultDesc        string    `json:"result_desc"`
	Raw               []byte    `json:"-"`
}

// Succeeded reports whether money moved. C2B confirmations always succeed.
func (c *Confirmation) Succeeded() bool {
	return c.ResultCode == 0
}

// Reference returns the key the payment is matched on
func (c *Confirmation) Reference() string {
	if c.BillRefNumber != "" {
		return c.BillRefNumber
	}
	return c.CheckoutRequestID
}

// PayloadHandler decodes one payload shape
type PayloadHandler interface {
	Name() string
	CanHandle(raw map[string]interface{}) bool
	Parse(raw map[string]interface{}, loc *time.Location) (*Confirmation, error)
}

// Decoder tries each handler in order
type Decoder struct {
	handlers []PayloadHandler
	loc      *time.Location
}

// NewDecoder returns a decoder reading timestamps in loc, nil means local time
func NewDecoder(loc *time.Location) *Decoder {
	if loc == nil {
		loc = time.Local
	}
	return &Decoder{
		handlers: []PayloadHandler{stkCallbackHandler{}, c2bHandler{}},
		loc:      loc,
	}
}

func (d *Decoder) Decode(body []byte) (*Confirmation, error) {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPayload, err)
	}
	for _, h := range d.handlers {
		if !h.CanHandle(raw) {
			continue
		}
		c, err := h.Parse(raw, d.loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.Name(), err)
		}
		c.Raw = body
		return c, nil
	}
	return nil, ErrUnknownPayload
}

type c2bHandler struct{}

func (c2bHandler) Name() string { return "c2b" }

func (c2bHandler) CanHandle(raw map[string]interface{}) bool {
	_, ok := raw["TransID"]
	return ok
}

func (c2bHandler) Parse(raw map[string]interface{}, loc *time.Location) (*Confirmation, error) {
	c := &Confirmation{
		Source:        SourceC2B,
		TransID:       strings.TrimSpace(str(raw["TransID"])),
		MSISDN:        strings.TrimSpace(str(raw["MSISDN"])),
		BillRefNumber: strings.TrimSpace(str(raw["BillRefNumber"])),
		FirstName:     str(raw["FirstName"]),
		ShortCode:     str(raw["BusinessShortCode"]),
	}
	if c.TransID == "" || c.BillRefNumber == "" {
		return nil, fmt.Errorf("%w: TransID and BillRefNumber", ErrMissingField)
	}
	amount, err := cast.ToFloat64E(str(raw["TransAmount"]))
	if err != nil {
		return nil, fmt.Errorf("invalid TransAmount: %w", err)
	}
	c.Amount = amount
	if ts := str(raw["TransTime"]); ts != "" {
		t, err := parseTime(ts, loc)
		if err != nil {
			return nil, err
		}
		c.TransTime = t
	}
	return c, nil
}

type stkCallbackHandler struct{}

func (stkCallbackHandler) Name() string { return "stk_callback" }

func (stkCallbackHandler) CanHandle(raw map[string]interface{}) bool {
	return stkCallback(raw) != nil
}

func stkCallback(raw map[string]interface{}) map[string]interface{} {
	body, ok := raw["Body"].(map[string]interface{})
	if !ok {
		return nil
	}
	cb, _ := body["stkCallback"].(map[string]interface{})
	return cb
}

func (stkCallbackHandler) Parse(raw map[string]interface{}, loc *time.Location) (*Confirmation, error) {
	cb := stkCallback(raw)
	c := &Confirmation{
		Source:            SourceSTK,
		CheckoutRequestID: strings.TrimSpace(str(cb["CheckoutRequestID"])),
		ResultDesc:        str(cb["ResultDesc"]),
	}
	if c.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: CheckoutRequestID", ErrMissingField)
	}
	code, err := cast.ToIntE(str(cb["ResultCode"]))
	if err != nil {
		return nil, fmt.Errorf("invalid ResultCode: %w", err)
	}
	c.ResultCode = code

	meta, _ := cb["CallbackMetadata"].(map[string]interface{})
	items, _ := meta["Item"].([]interface{})
	for _, it := range items {
		item, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		value := str(item["Value"])
		switch str(item["Name"]) {
		case "Amount":
			if c.Amount, err = cast.ToFloat64E(value); err != nil {
				return nil, fmt.Errorf("invalid Amount: %w", err)
			}
		case "MpesaReceiptNumber":
			c.TransID = value
		case "PhoneNumber":
			c.MSISDN = value
		case "TransactionDate":
			if c.TransTime, err = parseTime(value, loc); err != nil {
				return nil, err
			}
		}
	}
	if c.Succeeded() && c.TransID == "" {
		return nil, fmt.Errorf("%w: MpesaReceiptNumber", ErrMissingField)
	}
	return c, nil
}

// parseTime reads the yyyyMMddHHmmss gateway timestamps, other layouts are
// accepted through dateparse
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("20060102150405", s, loc); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid transaction time %q: %w", s, err)
	}
	return t, nil
}

// str renders a decoded JSON value, numbers keep their literal digits
func str(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case jsoniter.Number:
		return x.String()
	case string:
		return x
	}
	return cast.ToString(v)
}
