package postprocess

import (
	"errors"
	"fmt"
)

// InvalidAddressError marks a prospect whose address fields cannot form a
// mailable address. Callers log and skip the prospect rather than failing
// the run.
type InvalidAddressError struct {
	ProspectID int64
	Reason     string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address for prospect %d: %s", e.ProspectID, e.Reason)
}

// IsInvalidAddress reports whether err is an InvalidAddressError.
func IsInvalidAddress(err error) bool {
	var target *InvalidAddressError
	return errors.As(err, &target)
}
