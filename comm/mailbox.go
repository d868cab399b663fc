package comm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"
)

// A Mailbox buffers incoming envelopes until a matching
// receive asks for them.
//
// Envelopes from each source are released for matching in
// Seq order, so a transport that reorders messages still
// looks FIFO to the receiver.
//
// A Mailbox is safe for concurrent use.
type Mailbox struct {
	lock    sync.Mutex
	ready   []*Envelope
	nextSeq map[int]uint64
	held    map[int][]*Envelope
	notify  chan struct{}
	err     error
	srcErr  map[int]error
}

// NewMailbox creates an empty Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		nextSeq: map[int]uint64{},
		held:    map[int][]*Envelope{},
		srcErr:  map[int]error{},
		notify:  make(chan struct{}),
	}
}

// Put adds an incoming envelope.
//
// An envelope whose Seq was already seen from its source
// is a duplicate and is dropped.
func (m *Mailbox) Put(env *Envelope) {
	m.lock.Lock()
	defer m.lock.Unlock()

	src := env.Source
	if env.Seq < m.nextSeq[src] {
		return
	}
	if env.Seq != m.nextSeq[src] {
		for _, h := range m.held[src] {
			if h.Seq == env.Seq {
				return
			}
		}
		m.held[src] = append(m.held[src], env)
		return
	}
	m.ready = append(m.ready, env)
	m.nextSeq[src]++

	held := m.held[src]
	for found := true; found; {
		found = false
		for i, h := range held {
			if h.Seq == m.nextSeq[src] {
				m.ready = append(m.ready, h)
				m.nextSeq[src]++
				essentials.UnorderedDelete(&held, i)
				found = true
				break
			}
		}
	}
	m.held[src] = held

	close(m.notify)
	m.notify = make(chan struct{})
}

// Take removes and returns the first matching envelope,
// or nil if none has arrived.
func (m *Mailbox) Take(source int, context uuid.UUID, tag int) *Envelope {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.take(source, context, tag)
}

// Wait blocks until a matching envelope arrives or the
// mailbox fails.
func (m *Mailbox) Wait(source int, context uuid.UUID, tag int) (*Envelope, error) {
	for {
		m.lock.Lock()
		if env := m.take(source, context, tag); env != nil {
			m.lock.Unlock()
			return env, nil
		}
		err := m.err
		if err == nil {
			err = m.srcErr[source]
		}
		if err != nil {
			m.lock.Unlock()
			return nil, err
		}
		ch := m.notify
		m.lock.Unlock()
		<-ch
	}
}

// Fail wakes every waiter with err.
// Only the first failure is kept.
func (m *Mailbox) Fail(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	close(m.notify)
	m.notify = make(chan struct{})
}

// FailSource wakes every waiter on source with err once
// no more envelopes from source can match.
// Envelopes that already arrived are still delivered.
func (m *Mailbox) FailSource(source int, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.srcErr[source] != nil {
		return
	}
	m.srcErr[source] = err
	close(m.notify)
	m.notify = make(chan struct{})
}

// Len gets the number of envelopes waiting to be matched,
// including out-of-order ones.
func (m *Mailbox) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := len(m.ready)
	for _, h := range m.held {
		n += len(h)
	}
	return n
}

func (m *Mailbox) take(source int, context uuid.UUID, tag int) *Envelope {
	for i, env := range m.ready {
		if env.Source == source && env.Context == context && env.Tag == tag {
			essentials.OrderedDelete(&m.ready, i)
			return env
		}
	}
	return nil
}
