package headstream

import "errors"

// Error categories. Wrap these with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrConnection means the device is unreachable or misconfigured. Fatal at startup.
	ErrConnection = errors.New("device connection error")

	// ErrService means the device faulted while servicing or configuring. It stops the run.
	ErrService = errors.New("device service error")

	// ErrProtocolMismatch means the device API version differs from DeviceAPIVersion.
	// It is only a warning.
	ErrProtocolMismatch = errors.New("device API version mismatch")

	// ErrUnrecognizedCommand is reported for unknown operator tokens.
	ErrUnrecognizedCommand = errors.New("unrecognized command")

	// ErrResourceTeardown is logged when releasing the device or outlet fails.
	ErrResourceTeardown = errors.New("resource teardown error")

	// ErrStopped is returned to callers that submit commands after shutdown began.
	ErrStopped = errors.New("dispatcher is stopped")
)
