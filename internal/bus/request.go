package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRequestTimeout is returned when no reply arrives within the deadline.
// Callers of risk_check must treat it as a rejection.
var ErrRequestTimeout = errors.New("bus: request timeout")

// DefaultRequestTimeout bounds Request when the caller's context has no
// deadline of its own.
const DefaultRequestTimeout = 500 * time.Millisecond

// Request publishes e with a fresh correlation id and awaits the reply on a
// private reply topic. A deadline is mandatory; without one on ctx the
// default 500ms applies.
func (b *InProcBus) Request(ctx context.Context, e Envelope) (Envelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	corr := uuid.NewString()
	reply := Topic(replyPrefix + corr)
	e.CorrelationID = corr
	e.ReplyTo = reply

	ch := make(chan Envelope, 1)
	sub, err := b.Subscribe(reply, "request:"+corr, func(_ context.Context, resp Envelope) {
		select {
		case ch <- resp:
		default:
		}
	})
	if err != nil {
		return Envelope{}, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(e); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Envelope{}, fmt.Errorf("%w: %s", ErrRequestTimeout, e.Topic)
		}
		return Envelope{}, ctx.Err()
	}
}

// Reply publishes a response envelope to the requester's reply topic,
// carrying the request's correlation id.
func (b *InProcBus) Reply(req Envelope, payload interface{}) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("bus: reply to envelope %s without reply_to", req.ID)
	}
	resp, err := NewEnvelope(req.ReplyTo, b.sourceID, payload)
	if err != nil {
		return err
	}
	resp.CorrelationID = req.CorrelationID
	return b.Publish(resp)
}

// Replier is implemented by buses that support request/response serving.
type Replier interface {
	Reply(req Envelope, payload interface{}) error
}
