package mpesa

// Ack the body level acknowledgment. ResultCode 0 tells the gateway not to
// retry, anything else makes it deliver again.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Accepted(desc string) Ack {
	if desc == "" {
		desc = "Accepted"
	}
	return Ack{ResultCode: 0, ResultDesc: desc}
}

func Rejected(desc string) Ack {
	if desc == "" {
		desc = "Rejected"
	}
	return Ack{ResultCode: 1, ResultDesc: desc}
}
