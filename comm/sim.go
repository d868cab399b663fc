package comm

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/taskfarm/simulator"
)

// SimTransport is a Transport for one rank of a world
// simulated on a simulator.EventLoop.
type SimTransport struct {
	handle  *simulator.Handle
	port    *simulator.Port
	ports   []*simulator.Port
	network simulator.Network

	rank    int
	nextSeq []uint64
	box     *Mailbox
	closed  bool
}

// SpawnSim creates a simulated world of size ranks and
// calls f for each rank in its own Goroutine on the loop.
//
// The caller runs the loop afterwards.
func SpawnSim(loop *simulator.EventLoop, network simulator.Network, size int,
	f func(t *SimTransport)) {
	ports := make([]*simulator.Port, size)
	for i := range ports {
		ports[i] = simulator.NewNode().Port(loop)
	}
	for i := range ports {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(&SimTransport{
				handle:  h,
				port:    ports[rank],
				ports:   ports,
				network: network,
				rank:    rank,
				nextSeq: make([]uint64, size),
				box:     NewMailbox(),
			})
		})
	}
}

// RunSim runs f with the world Group of every rank of a
// simulated world, then runs the loop until all ranks
// return.
func RunSim(loop *simulator.EventLoop, network simulator.Network, size int, opts Options,
	f func(world *Group)) error {
	SpawnSim(loop, network, size, func(t *SimTransport) {
		defer t.Close()
		f(NewWorld(t, opts))
	})
	return loop.Run()
}

// Rank gets the caller's world rank.
func (s *SimTransport) Rank() int {
	return s.rank
}

// Size gets the number of simulated ranks.
func (s *SimTransport) Size() int {
	return len(s.ports)
}

// Handle gets the rank's handle on the event loop.
func (s *SimTransport) Handle() *simulator.Handle {
	return s.handle
}

// Send schedules env for delivery to dest.
func (s *SimTransport) Send(dest int, env *Envelope) error {
	if s.closed {
		return errors.Wrap(ErrTransport, "send on closed transport")
	}
	if dest < 0 || dest >= len(s.ports) {
		return errors.Wrapf(ErrTransport, "destination rank %d out of range", dest)
	}
	env.Source = s.rank
	env.Seq = s.nextSeq[dest]
	s.nextSeq[dest]++
	s.network.Send(s.handle, &simulator.Message{
		Source:  s.port,
		Dest:    s.ports[dest],
		Message: env,
		Size:    env.Size(),
	})
	return nil
}

// Recv waits on the rank's port until a matching
// envelope arrives.
//
// Receives that can never be satisfied fail once the
// event loop detects the deadlock.
func (s *SimTransport) Recv(source int, context uuid.UUID, tag int) (*Envelope, error) {
	if s.closed {
		return nil, errors.Wrap(ErrTransport, "receive on closed transport")
	}
	for {
		if env := s.box.Take(source, context, tag); env != nil {
			return env, nil
		}
		msg, err := s.port.Recv(s.handle)
		if err != nil {
			return nil, &TransportError{Op: "receive from", Rank: s.rank, Peer: source,
				Tag: tag, Err: err}
		}
		s.box.Put(msg.Message.(*Envelope))
	}
}

// Close marks the transport closed.
func (s *SimTransport) Close() error {
	s.closed = true
	return nil
}
