// sidekick_errors.go
// Contains exported error definitions for the sidekick package.
package sidekick

import "errors"

var (
	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAPIUnavailable indicates failure communicating with the model-serving API.
	ErrAPIUnavailable = errors.New("model API unavailable")

	// ErrBadResponse indicates the model-serving API returned a payload that
	// could not be decoded.
	ErrBadResponse = errors.New("malformed API response")

	// ErrTelemetryDelivery indicates a batch could not be delivered to the sink.
	// Delivery errors are recoverable; the batch is retried on the next flush.
	ErrTelemetryDelivery = errors.New("telemetry delivery failed")

	// ErrHistoryRead indicates failure reading from the usage history store.
	ErrHistoryRead = errors.New("history read failed")

	// ErrHistoryWrite indicates failure writing to the usage history store.
	ErrHistoryWrite = errors.New("history write failed")
)
