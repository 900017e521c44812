// Package voiceerr defines the failure classes shared by providers, the turn
// machine and the session transport.
package voiceerr

import "errors"

var (
	// ErrProviderUnavailable reports a connect-time failure of a recognition or
	// synthesis provider.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderDisconnected reports a mid-session drop of a provider stream.
	ErrProviderDisconnected = errors.New("provider disconnected")
	// ErrConfig reports missing credentials or an unusable provider setup.
	ErrConfig = errors.New("provider configuration error")
	// ErrGenerationTimeout reports an answer that did not arrive in time.
	ErrGenerationTimeout = errors.New("answer generation timed out")
	// ErrCancellationTimeout reports a synthesis task that missed its stop deadline.
	ErrCancellationTimeout = errors.New("synthesis cancellation timed out")
	// ErrTransportClosed reports that the client connection went away.
	ErrTransportClosed = errors.New("transport closed")
)

// Code maps an error onto the stable identifier sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrProviderDisconnected):
		return "provider_disconnected"
	case errors.Is(err, ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, ErrCancellationTimeout):
		return "cancellation_timeout"
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed"
	default:
		return "internal_error"
	}
}
