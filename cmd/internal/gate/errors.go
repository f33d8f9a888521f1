package gate

import "errors"

// ErrNotAttempted is returned when the session check failed and the request
// was never sent. It is distinct from a successful empty response.
var ErrNotAttempted = errors.New("request not attempted: no valid session")
