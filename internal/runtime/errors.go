package runtime

import (
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// OpError is a failed runtime operation. Op names the operation ("create",
// "start", ...) and Service identifies the target: the service name where
// the adapter knows it, otherwise the container ID.
type OpError struct {
	Op      string
	Service string
	Err     error
}

func (e *OpError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Service, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Transient reports whether err looks like a temporary runtime condition
// worth retrying: the daemon connection dropped or the daemon reported
// itself unavailable. Deterministic failures (bad image reference, port
// already bound, invalid mount) are not transient; retrying them only
// delays the real error.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if client.IsErrConnectionFailed(err) {
		return true
	}
	return errdefs.IsUnavailable(err)
}
