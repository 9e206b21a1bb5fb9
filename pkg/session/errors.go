package session

import "errors"

var (
	// ErrPermissionDenied is returned when the OS or user denies microphone
	// access. Fatal to the connection attempt; never retried internally.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrNetwork is returned when the channel cannot be established or drops.
	ErrNetwork = errors.New("network failure")

	// ErrAuth is returned when the remote rejects the session credentials.
	ErrAuth = errors.New("authentication rejected")

	// ErrProtocol is returned when the channel negotiation or wire format
	// is violated.
	ErrProtocol = errors.New("protocol violation")

	// ErrDecode marks a malformed inbound audio chunk. Recovered locally:
	// the chunk is dropped and the session continues.
	ErrDecode = errors.New("audio chunk decode failed")

	// ErrSessionActive is returned when Connect is called on a controller
	// that is already connecting or connected. This is a programming error,
	// not a runtime failure; the existing session is unaffected.
	ErrSessionActive = errors.New("session already active")

	// ErrSessionClosed is returned when Connect is called on a controller
	// that has reached a terminal state. Build a new controller instead.
	ErrSessionClosed = errors.New("session closed")
)
