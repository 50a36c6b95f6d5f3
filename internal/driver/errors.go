package driver

import "errors"

// ErrLogsNotSupported is returned by Driver.Logs when a backend streams
// everything through the Emitter and retains nothing separately.
var ErrLogsNotSupported = errors.New("driver: logs not supported by this backend")
