package risk

import "net/http"

// Reason is the machine-readable rejection code returned to callers.
type Reason string

const (
	ReasonRiskLocked       Reason = "risk_locked"
	ReasonDailyLossLimit   Reason = "daily_loss_limit"
	ReasonExceedsCaps      Reason = "exceeds_caps"
	ReasonDuplicateRequest Reason = "duplicate_request"
	ReasonInvalidInput     Reason = "invalid_input"
	ReasonInternalError    Reason = "internal_error"
)

// HTTPStatus maps a rejection reason to the status the API layer returns.
// Trading-halted conditions use 423 Locked; recoverable rejections use 409.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonRiskLocked, ReasonDailyLossLimit:
		return http.StatusLocked
	case ReasonExceedsCaps, ReasonDuplicateRequest:
		return http.StatusConflict
	case ReasonInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Rejection is the error form of a gate refusal.
type Rejection struct {
	Code    Reason
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Message
}

func reject(code Reason, msg string) *Rejection {
	return &Rejection{Code: code, Message: msg}
}
