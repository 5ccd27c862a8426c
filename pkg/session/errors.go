package session

import "errors"

// Custom error types for better error discrimination
var (
	// ErrCallInactive is returned when an operation requires a live call
	ErrCallInactive = errors.New("no active call")

	// ErrSessionBusy is returned when an idle submission overlaps a busy session
	ErrSessionBusy = errors.New("session is busy")

	// ErrExchangeFailed is returned when the remote speech exchange fails
	ErrExchangeFailed = errors.New("speech exchange failed")

	// ErrPlaybackFailed is returned when audio playback fails after retry
	ErrPlaybackFailed = errors.New("audio playback failed")
)
