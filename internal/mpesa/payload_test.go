package mpesa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nairobi = time.FixedZone("EAT", 3*3600)

func TestDecodeC2B(t *testing.T) {
	body := []byte(`{
		"TransactionType": "Pay Bill",
		"TransID": "QHX12345AB",
		"TransTime": "20240301143015",
		"TransAmount": "10.00",
		"BusinessShortCode": "600984",
		"BillRefNumber": "HBK7M2Q9XR",
		"MSISDN": "2547 0000 0001",
		"FirstName": "Jane"
	}`)
	c, err := NewDecoder(nairobi).Decode(body)
	require.NoError(t, err)
	assert.Equal(t, SourceC2B, c.Source)
	assert.Equal(t, "QHX12345AB", c.TransID)
	assert.Equal(t, 10.0, c.Amount)
	assert.Equal(t, "HBK7M2Q9XR", c.Reference())
	assert.Equal(t, "600984", c.ShortCode)
	assert.True(t, c.Succeeded())
	assert.True(t, c.TransTime.Equal(time.Date(2024, 3, 1, 14, 30, 15, 0, nairobi)))
	assert.Equal(t, body, c.Raw)
}

func TestDecodeC2BNumericAmountAndHashedPhone(t *testing.T) {
	hash := "2f1e3c0bd2b1f08e1d05bd3e33d1c2fff1f1b8f1e8b1c2d3e4f5a6b7c8d9e0f1"
	c, err := NewDecoder(nil).Decode([]byte(`{"TransID":"QHX2","TransAmount":10,"BillRefNumber":"HBX","MSISDN":"` + hash + `"}`))
	require.NoError(t, err)
	assert.Equal(t, 10.0, c.Amount)
	assert.Equal(t, hash, c.MSISDN)
	assert.True(t, c.TransTime.IsZero())
}

func TestDecodeSTKCallback(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":"ws_CO_191220191020363925",
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":10.00},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"Balance"},
			{"Name":"TransactionDate","Value":20191219102115},
			{"Name":"PhoneNumber","Value":254708374149}
		]}}}}`)
	c, err := NewDecoder(nairobi).Decode(body)
	require.NoError(t, err)
	assert.Equal(t, SourceSTK, c.Source)
	assert.Equal(t, "NLJ7RT61SV", c.TransID)
	assert.Equal(t, "254708374149", c.MSISDN)
	assert.Equal(t, "ws_CO_191220191020363925", c.Reference())
	assert.Equal(t, 10.0, c.Amount)
	assert.True(t, c.TransTime.Equal(time.Date(2019, 12, 19, 10, 21, 15, 0, nairobi)))
}

func TestDecodeSTKCallbackCancelled(t *testing.T) {
	c, err := NewDecoder(nil).Decode([]byte(`{"Body":{"stkCallback":{
		"CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`))
	require.NoError(t, err)
	assert.False(t, c.Succeeded())
	assert.Equal(t, 1032, c.ResultCode)
	assert.Empty(t, c.TransID)
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	d := NewDecoder(nil)
	for _, body := range []string{
		`not json`,
		`{"hello":"world"}`,
		`{"TransID":"QHX3","TransAmount":"ten","BillRefNumber":"HBX"}`,
		`{"TransID":"QHX4","TransAmount":"10"}`,
		`{"Body":{"stkCallback":{"ResultCode":0,"CheckoutRequestID":"ws_CO_2"}}}`,
	} {
		_, err := d.Decode([]byte(body))
		assert.Error(t, err, body)
	}

	_, err := d.Decode([]byte(`{"hello":"world"}`))
	assert.ErrorIs(t, err, ErrUnknownPayload)
	_, err = d.Decode([]byte(`{"TransID":"QHX4","TransAmount":"10"}`))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestAck(t *testing.T) {
	assert.Equal(t, Ack{ResultCode: 0, ResultDesc: "Accepted"}, Accepted(""))
	assert.Equal(t, 1, Rejected("voucher not found").ResultCode)
}
