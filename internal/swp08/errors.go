package swp08

import "errors"

// ErrValidation marks an out-of-range address rejected synchronously at the
// session API, before any wire traffic is generated.
var ErrValidation = errors.New("validation error")
