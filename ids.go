package humanfn

import "github.com/google/uuid"

// NewExecutionID returns a random execution identifier.
func NewExecutionID() string {
	return "exec-" + uuid.NewString()
}

// NewToken returns an opaque token identifying one wake-up arming.
func NewToken() string {
	return uuid.NewString()
}
