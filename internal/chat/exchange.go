package chat

import "context"

// Exchange tracks one send/poll cycle.
type Exchange struct {
	// Provisional is the optimistic copy appended by Send.
	Provisional Message

	done  chan struct{}
	reply Message
	err   error
}

func newExchange(m Message) *Exchange {
	return &Exchange{Provisional: m, done: make(chan struct{})}
}

func (e *Exchange) finish(reply Message, err error) {
	e.reply = reply
	e.err = err
	close(e.done)
}

// Done is closed once the cycle has ended.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Result returns the assistant reply, which is synthesized when the
// backend never answered. It must only be called after Done is closed.
func (e *Exchange) Result() (Message, error) {
	return e.reply, e.err
}

// Wait blocks until the cycle ends or ctx is done.
func (e *Exchange) Wait(ctx context.Context) (Message, error) {
	select {
	case <-e.done:
		return e.reply, e.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
