package reconcile

import "github.com/initials101/mpesa-gateway/internal/model"

// Provider result codes with a defined outcome. Everything else
// non-zero maps to FAILED carrying the provider's own description.
const (
	CodeSuccess             = 0
	CodeInsufficientFunds   = 1
	CodeDuplicateRequest    = 15
	CodeCancelledByUser     = 1032
	CodeCustomerUnreachable = 1037
	CodeInvalidInitiator    = 2001
)

// Reasons written by the local resolution paths. These rows carry no
// provider result code.
const (
	ReasonPollExhausted = "no response within timeout window"
	ReasonHardTimeout   = "Timeout - No Response"
)

// Outcome maps a provider result code to a terminal status and a
// human-readable reason. Every resolution path funnels through this
// one table; callers must never re-derive the mapping locally.
func Outcome(code int, providerDesc string) (model.TransactionStatus, string) {
	switch code {
	case CodeSuccess:
		return model.StatusSuccess, "The service request is processed successfully."
	case CodeCancelledByUser:
		return model.StatusCancelled, "Request cancelled by user"
	case CodeCustomerUnreachable:
		return model.StatusCancelled, "DS timeout, user cannot be reached"
	case CodeInsufficientFunds:
		return model.StatusFailed, "The balance is insufficient for the transaction"
	case CodeDuplicateRequest:
		return model.StatusFailed, "Duplicate request detected"
	case CodeInvalidInitiator:
		return model.StatusFailed, "The initiator information is invalid"
	default:
		return model.StatusFailed, providerDesc
	}
}

// ProviderResolution builds the terminal update for a provider-reported
// result. The metadata map is merged append-only by the store.
func ProviderResolution(code int, providerDesc string, metadata map[string]string) model.ResolutionUpdate {
	status, reason := Outcome(code, providerDesc)
	c := code
	return model.ResolutionUpdate{
		Status:     status,
		ResultCode: &c,
		ResultDesc: &reason,
		Metadata:   metadata,
	}
}

// LocalCancellation builds the terminal update for a resolution the
// system decided on its own, with no provider result code.
func LocalCancellation(reason string) model.ResolutionUpdate {
	return model.ResolutionUpdate{
		Status:     model.StatusCancelled,
		ResultDesc: &reason,
	}
}
