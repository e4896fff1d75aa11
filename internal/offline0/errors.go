package offline0

import "errors"

var (
	// ErrQuotaExceeded is returned by cache writes that would exceed storage.disk.max.
	ErrQuotaExceeded = errors.New("cache quota exceeded")

	// ErrNetworkUnavailable wraps transport failures talking to the origin.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrInstallIncomplete means at least one manifest asset could not be stored.
	ErrInstallIncomplete = errors.New("install incomplete")

	// ErrReplayFailed marks a queued action whose replay did not succeed.
	ErrReplayFailed = errors.New("replay failed")

	ErrNoActiveGeneration   = errors.New("no active cache generation")
	ErrGenerationSuperseded = errors.New("cache generation no longer active")
	ErrNothingWaiting       = errors.New("no generation waiting to activate")
	ErrUnknownMessage       = errors.New("unknown message type")
	ErrUnknownEvent         = errors.New("unknown event kind")
	ErrDispatcherClosed     = errors.New("dispatcher closed")
)
