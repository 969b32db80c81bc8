package efble

import "context"

// Transport is the already-connected radio link the session rides on. The
// core assumes in-order, loss-free delivery within one open stream and no
// framing: chunks from Notifications may split or join frames arbitrarily.
//
// Open establishes the link; it is safe to call Write only after Open
// returns. Notifications delivers received chunks until the link drops, at
// which point the channel is closed. Close tears the link down and is
// idempotent.
type Transport interface {
	Open(ctx context.Context) error
	Write(ctx context.Context, data []byte) error
	Notifications() <-chan []byte
	Close() error
}
