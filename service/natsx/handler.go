package natsx

import "context"

// Message is a received NATS message detached from the connection.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type Handler func(ctx context.Context, msg Message) error

// Middleware wraps a Handler (logging, dedupe, retries).
type Middleware func(Handler) Handler

// Chain applies mws so that the first one runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
