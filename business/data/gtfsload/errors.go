package gtfsload

import "errors"

// ErrStaticMissing signals a required static file is absent at startup.
// Fatal: the process refuses to start.
var ErrStaticMissing = errors.New("static missing")
