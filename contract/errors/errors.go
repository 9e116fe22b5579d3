package errors

import stderrors "errors"

// Error codes for the hub contracts. Keep stable; used across adapters, the loop and the dispatcher.
const (
	ErrCodeConfigurationMissing = "commandhub.configuration_missing"
	ErrCodeMalformedPayload     = "commandhub.malformed_payload"
	ErrCodeEmptyPayload         = "commandhub.empty_payload"
	ErrCodeHandlerFailure       = "commandhub.handler_failure"
	ErrCodeHandlerNotFound      = "commandhub.handler_not_found"
	ErrCodeTransportFailure     = "commandhub.transport_failure"
	ErrCodeInvalidArgument      = "commandhub.invalid_argument"
	ErrCodeInvalidState         = "commandhub.invalid_state"
	ErrCodeLoopClosed           = "commandhub.loop_closed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrConfigurationMissing = Code(ErrCodeConfigurationMissing)
	ErrMalformedPayload     = Code(ErrCodeMalformedPayload)
	ErrEmptyPayload         = Code(ErrCodeEmptyPayload)
	ErrHandlerFailure       = Code(ErrCodeHandlerFailure)
	ErrHandlerNotFound      = Code(ErrCodeHandlerNotFound)
	ErrTransportFailure     = Code(ErrCodeTransportFailure)
	ErrInvalidArgument      = Code(ErrCodeInvalidArgument)
	ErrInvalidState         = Code(ErrCodeInvalidState)
	ErrLoopClosed           = Code(ErrCodeLoopClosed)
)

// Kind classifies an error by the code of the first known sentinel it wraps.
type Kind string

// KindNone is returned for nil errors and errors that wrap no known sentinel.
const KindNone Kind = ""

// ordered so that the more specific per-record kinds win over generic ones
// when an error joins several sentinels.
var kinds = []error{
	ErrEmptyPayload,
	ErrMalformedPayload,
	ErrHandlerNotFound,
	ErrHandlerFailure,
	ErrConfigurationMissing,
	ErrTransportFailure,
	ErrLoopClosed,
	ErrInvalidState,
	ErrInvalidArgument,
}

// KindOf reports the Kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	for _, k := range kinds {
		if stderrors.Is(err, k) {
			return Kind(k.Error())
		}
	}

	return KindNone
}

// Is reports whether err carries the given kind.
func (k Kind) Is(err error) bool { return k != KindNone && KindOf(err) == k }
