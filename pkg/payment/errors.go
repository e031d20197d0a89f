package payment

// Client-visible error codes. These are wire contract: remote callers branch
// on them, so they never change spelling.
const (
	CodeUnknownCapability = "UNKNOWN_CAPABILITY"
	CodePaymentRequired   = "PAYMENT_REQUIRED"
	CodePaymentReplay     = "PAYMENT_REPLAY"
	CodePaymentInvalid    = "PAYMENT_INVALID"
	CodeUnderpayment      = "UNDERPAYMENT"
	CodeMissingFee        = "MISSING_FEE"
	CodeMalformedPayment  = "MALFORMED_PAYMENT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeInvalidEndpoint   = "INVALID_ENDPOINT"
	CodeInvitationExpired = "INVITATION_EXPIRED"
	CodeNonceReplay       = "NONCE_REPLAY"
	CodeUnauthorized      = "UNAUTHORIZED"
)
