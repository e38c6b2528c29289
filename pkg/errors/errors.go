// Package apperrors defines shared error values and gateway error classification
package apperrors

import (
	"errors"
	"strings"
)

// Standardized gateway errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrUnknownRefID         = errors.New("unknown ref id")
	ErrInvalidTask          = errors.New("invalid task")
	ErrBusClosed            = errors.New("bus closed")
)

// ErrorKind classifies a gateway error code into a handling bucket
type ErrorKind int

const (
	// KindUnclassified covers codes the engine has no specific handling for
	KindUnclassified ErrorKind = iota
	// KindOrderSize covers size-too-small rejections (codes 105, 106)
	KindOrderSize
	// KindPriceRange covers price-out-of-range rejections (codes 109, 110)
	KindPriceRange
	// KindSystemic covers gateway-side failures (500, 501, 503, 508, 509)
	KindSystemic
	// KindRateLimit covers throttling responses (502)
	KindRateLimit
	// KindAlreadyCancelled covers cancel-of-unknown-order responses (535)
	KindAlreadyCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindOrderSize:
		return "order size too small"
	case KindPriceRange:
		return "price out of range"
	case KindSystemic:
		return "gateway systemic error"
	case KindRateLimit:
		return "rate limited"
	case KindAlreadyCancelled:
		return "order already cancelled"
	default:
		return "unclassified"
	}
}

// ClassifyCode buckets a gateway error code by its trailing three digits.
// Codes arrive either bare ("502") or venue-prefixed ("20502").
func ClassifyCode(code string) ErrorKind {
	if len(code) > 3 {
		code = code[len(code)-3:]
	}
	switch code {
	case "105", "106":
		return KindOrderSize
	case "109", "110":
		return KindPriceRange
	case "500", "501", "503", "508", "509":
		return KindSystemic
	case "502":
		return KindRateLimit
	case "535":
		return KindAlreadyCancelled
	}
	return KindUnclassified
}

// IsCancelUnknown reports whether a failed cancel or inspect means the order
// is already gone on the venue. Some venues signal this in the message text
// rather than the code.
func IsCancelUnknown(code, msg string) bool {
	if ClassifyCode(code) == KindAlreadyCancelled {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "order not found")
}
