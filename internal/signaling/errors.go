package signaling

import "fmt"

// DeliveryError reports a message the bus failed to publish.
type DeliveryError struct {
	Kind    Kind
	CallID  string
	Retried bool
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Retried {
		return fmt.Sprintf("deliver %s for call %s (after retry): %v", e.Kind, e.CallID, e.Err)
	}
	return fmt.Sprintf("deliver %s for call %s: %v", e.Kind, e.CallID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
