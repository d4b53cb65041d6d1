package bus

import (
	"time"
)

// Outcome is what happened to a delivery after its handler returned.
type Outcome int

const (
	Acked Outcome = iota
	Redelivered
	Terminated
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Redelivered:
		return "redelivered"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// acker is the acknowledgement surface shared by JetStream and local deliveries.
type acker interface {
	Ack() error
	NakWithDelay(d time.Duration) error
	Term() error
}

// settle acknowledges a delivery according to the handler result. Success
// acks; a retryable error with deliveries left naks with the policy delay;
// anything else is terminated.
func settle(a acker, handlerErr error, attempt int, p *RetryPolicy) (Outcome, error) {
	if handlerErr == nil {
		return Acked, a.Ack()
	}
	if p.ShouldRetry(handlerErr, attempt) {
		return Redelivered, a.NakWithDelay(p.NextDelay(attempt))
	}
	return Terminated, a.Term()
}
