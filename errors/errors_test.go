package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"already committed", ErrAlreadyCommitted, false},
		{"timeout in message", fmt.Errorf("read tcp: i/o timeout"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"already committed", ErrAlreadyCommitted, true},
		{"unknown format", ErrUnknownFormat, true},
		{"wrapped unknown format", fmt.Errorf("build: %w", ErrUnknownFormat), true},
		{"connection lost", ErrConnectionLost, false},
		{"classified fatal", WrapFatal(errors.New("boom"), "Envelope", "Commit", "commit"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidEnvelope))
	assert.True(t, IsInvalid(fmt.Errorf("datum 2: %w", ErrMissingField)))
	assert.True(t, IsInvalid(Invalidf(ErrInvalidEnvelope, "Checker", "Check", "latitude %v out of range", 91.0)))
	assert.False(t, IsInvalid(ErrConnectionTimeout))
	assert.False(t, IsInvalid(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrAlreadyCommitted))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	base := errors.New("refused")

	err := Wrap(base, "Client", "Connect", "dial")
	require.Error(t, err)
	assert.Equal(t, "Client.Connect: dial failed: refused", err.Error())
	assert.True(t, errors.Is(err, base))

	assert.Nil(t, Wrap(nil, "Client", "Connect", "dial"))
	assert.Nil(t, WrapTransient(nil, "Client", "Connect", "dial"))
	assert.Nil(t, WrapInvalid(nil, "Client", "Connect", "dial"))
	assert.Nil(t, WrapFatal(nil, "Client", "Connect", "dial"))
}

func TestWrapClassified(t *testing.T) {
	err := WrapTransient(ErrConnectionLost, "Client", "Send", "write frame")

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Client", ce.Component)
	assert.Equal(t, "Send", ce.Operation)
	assert.True(t, errors.Is(err, ErrConnectionLost))
	assert.Contains(t, err.Error(), "Client.Send: write frame failed")
}

func TestInvalidf(t *testing.T) {
	err := Invalidf(ErrMissingField, "Checker", "Check", "datum %d has no time", 3)
	assert.True(t, errors.Is(err, ErrMissingField))
	assert.Contains(t, err.Error(), "datum 3 has no time")
	assert.Equal(t, ErrorInvalid, Classify(err))
}
