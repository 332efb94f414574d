package inbound

type IssueRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
}

type IssueResponse struct {
	OtpID             int64 `json:"otp_id"`
	TTLSeconds        int64 `json:"ttl_seconds"`
	RemainingRequests int   `json:"remaining_requests"`
}

func (IssueResponse) Message() string {
	return "Passcode issued. Check your configured delivery channel."
}

type VerifyRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

type VerifyResponse struct {
	Verified bool `json:"verified"`
}

func (VerifyResponse) Message() string {
	return "Passcode verified."
}
