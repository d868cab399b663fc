// Package comm implements rank-addressed groups of
// processes that exchange tagged float64 arrays with
// blocking point-to-point operations.
package comm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrProtocolViolation is returned when a peer sends
	// something the receiver did not agree to, such as an
	// array of the wrong shape or a different label.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransport is returned when a message cannot be
	// delivered or received.
	ErrTransport = errors.New("transport failure")

	// ErrReleased is returned when a released Group is
	// used.
	ErrReleased = errors.New("group released")
)

// A TransportError describes a failed send or receive.
//
// It matches ErrTransport with errors.Is and unwraps to
// the underlying cause.
type TransportError struct {
	Op   string
	Rank int
	Peer int
	Tag  int
	Err  error
}

// Error formats the failure.
func (t *TransportError) Error() string {
	return fmt.Sprintf("%s: rank %d %s rank %d (tag %d): %v", ErrTransport, t.Rank, t.Op,
		t.Peer, t.Tag, t.Err)
}

// Unwrap gets the underlying cause.
func (t *TransportError) Unwrap() error {
	return t.Err
}

// Is reports whether target is ErrTransport.
func (t *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// An Envelope is one message between two ranks of the
// world.
type Envelope struct {
	// Source is the sender's world rank.
	Source int

	// Seq numbers the messages from Source to one
	// destination, starting at 0.
	// Transports set it; receivers use it to restore
	// send order.
	Seq uint64

	// Context identifies the Group the message belongs to.
	Context uuid.UUID

	Tag int

	// Header fields.
	Value int
	Label string

	// Payload fields.
	Shape []int
	Data  []float64
}

// Size estimates the encoded size in bytes.
func (e *Envelope) Size() float64 {
	return float64(48 + 8*len(e.Shape) + 8*len(e.Data) + len(e.Label))
}

// A Transport moves envelopes between the ranks of a
// fixed world.
//
// A Transport belongs to exactly one rank and must only be
// used from that rank's Goroutine.
type Transport interface {
	// Rank gets the world rank of the caller.
	Rank() int

	// Size gets the number of ranks in the world.
	Size() int

	// Send queues an envelope for dest.
	// The envelope must not be modified afterwards.
	Send(dest int, env *Envelope) error

	// Recv blocks until an envelope from source with the
	// given context and tag arrives.
	//
	// Envelopes from one source are matched in the order
	// they were sent.
	Recv(source int, context uuid.UUID, tag int) (*Envelope, error)

	// Close releases the transport's resources.
	Close() error
}
