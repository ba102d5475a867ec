package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySymbolErrors(t *testing.T) {
	err := &SymbolError{Symbol: "BTC/USDT", Err: errors.New("rejected")}
	assert.Equal(t, PermanentSymbol, Classify(err))
	assert.Equal(t, PermanentSymbol, Classify(fmt.Errorf("subscribe: %w", err)))

	assert.Equal(t, PermanentSymbol, Classify(errors.New("binance: Invalid symbol.")))
	assert.Equal(t, PermanentSymbol, Classify(errors.New("okx: instrument does not exist")))
}

func TestClassifyTransient(t *testing.T) {
	assert.Equal(t, Transient, Classify(errors.New("429 Too Many Requests")))
	assert.Equal(t, Transient, Classify(errors.New("read tcp: connection reset by peer")))
	assert.Equal(t, Transient, Classify(errors.New("exchange under maintenance")))

	var netErr net.Error = &net.DNSError{Err: "no such host", IsTimeout: false}
	assert.Equal(t, Transient, Classify(netErr))
}

func TestClassifyUnexpected(t *testing.T) {
	assert.Equal(t, Unexpected, Classify(context.Canceled))
	assert.Equal(t, Unexpected, Classify(context.DeadlineExceeded))
	assert.Equal(t, Unexpected, Classify(errors.New("slice bounds out of range")))
}

func TestSymbolErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &SymbolError{Symbol: "ETH/USDT", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "ETH/USDT")
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "permanent_symbol", PermanentSymbol.String())
	assert.Equal(t, "unexpected", Unexpected.String())
}
