package exchange

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorKind buckets adapter failures for the supervisor's retry policy.
type ErrorKind int

const (
	// Transient failures (rate limits, timeouts, maintenance windows) are
	// retried with exponential backoff.
	Transient ErrorKind = iota
	// PermanentSymbol failures mean the symbol itself is bad on this venue;
	// it goes to the invalid set and is never resubscribed.
	PermanentSymbol
	// Unexpected failures terminate the stream task without retrying.
	Unexpected
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case PermanentSymbol:
		return "permanent_symbol"
	default:
		return "unexpected"
	}
}

// ErrStreamClosed is returned by cursors after the adapter shut down.
var ErrStreamClosed = errors.New("exchange: stream closed")

// SymbolError marks an error as permanently tied to one symbol. Venue
// adapters wrap rejections they can attribute this way.
type SymbolError struct {
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return "symbol " + e.Symbol + ": " + e.Err.Error()
}

func (e *SymbolError) Unwrap() error { return e.Err }

// Message fragments venues use for symbol-level rejections.
var permanentFragments = []string{
	"invalid symbol",
	"unknown symbol",
	"symbol not found",
	"does not exist",
	"has no symbol",
	"invalid symbol status",
	"unknown channel",
}

// Message fragments for recoverable conditions.
var transientFragments = []string{
	"rate limit",
	"too many requests",
	"ddos",
	"nonce",
	"busy",
	"maintenance",
	"temporary",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"unexpected eof",
	"service unavailable",
}

// Classify inspects an error's type and message and buckets it. Context
// cancellation is deliberately Unexpected here: the supervisor checks its
// context before consulting the classification.
func Classify(err error) ErrorKind {
	if err == nil {
		return Unexpected
	}

	var symErr *SymbolError
	if errors.As(err, &symErr) {
		return PermanentSymbol
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Unexpected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range permanentFragments {
		if strings.Contains(msg, frag) {
			return PermanentSymbol
		}
	}
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return Transient
		}
	}
	return Unexpected
}
