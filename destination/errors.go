package destination

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send once the destination has been closed
var ErrClosed = errors.New("destination closed")

// DeliveryError reports a failure to hand mutations to the buffer or the sink
type DeliveryError struct {
	Op          string
	Destination string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Destination, e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
