// Package wsnet implements a comm.Transport between
// processes, with one websocket connection per pair of
// ranks.
//
// Every rank listens on its own address. Rank r dials every
// rank below r and accepts a connection from every rank
// above r.
package wsnet

import (
	"bytes"
	"encoding/gob"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/taskfarm/comm"
	"go.uber.org/atomic"
)

const (
	path = "/taskfarm"

	defaultDialTimeout = 30 * time.Second
	dialRetryInterval  = 50 * time.Millisecond
	closeGracePeriod   = time.Second
)

var errClosed = errors.New("transport closed")

// Options configures a Transport.
type Options struct {
	// DialTimeout bounds how long Connect waits for every
	// peer. Defaults to 30 seconds.
	DialTimeout time.Duration

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

type hello struct {
	Rank int `json:"rank"`
}

type peer struct {
	rank int
	conn *websocket.Conn
	done chan struct{}

	writeLock sync.Mutex
	nextSeq   uint64
}

// A Transport connects one rank to every other rank.
type Transport struct {
	rank  int
	addrs []string

	listener net.Listener
	server   *http.Server
	box      *comm.Mailbox
	log      logrus.FieldLogger

	lock      sync.Mutex
	peers     []*peer
	connected int
	ready     chan struct{}
	selfSeq   uint64

	closed   *atomic.Bool
	sent     *atomic.Int64
	received *atomic.Int64
}

// Listen opens the listener a rank serves its peers on.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return ln, nil
}

// Connect joins the world described by addrs as rank,
// serving peers on ln, and blocks until every peer is
// connected.
//
// The Transport takes ownership of ln.
func Connect(rank int, addrs []string, ln net.Listener, opts Options) (*Transport, error) {
	if rank < 0 || rank >= len(addrs) {
		ln.Close()
		return nil, errors.Errorf("rank %d out of range for %d addresses", rank, len(addrs))
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	t := &Transport{
		rank:     rank,
		addrs:    addrs,
		listener: ln,
		box:      comm.NewMailbox(),
		log:      opts.Logger.WithField("rank", rank),
		peers:    make([]*peer, len(addrs)),
		ready:    make(chan struct{}),
		closed:   atomic.NewBool(false),
		sent:     atomic.NewInt64(0),
		received: atomic.NewInt64(0),
	}
	if len(addrs) == 1 {
		close(t.ready)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, t.accept)
	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln)

	deadline := time.Now().Add(opts.DialTimeout)
	for r := 0; r < rank; r++ {
		if err := t.dial(r, deadline); err != nil {
			t.Close()
			return nil, err
		}
	}

	select {
	case <-t.ready:
	case <-time.After(time.Until(deadline)):
		t.Close()
		return nil, errors.Errorf("rank %d: timed out waiting for peers", rank)
	}
	t.log.WithField("peers", len(addrs)-1).Debug("connected to all peers")
	return t, nil
}

// Rank gets the caller's world rank.
func (t *Transport) Rank() int {
	return t.rank
}

// Size gets the number of ranks.
func (t *Transport) Size() int {
	return len(t.addrs)
}

// Addr gets the address the transport serves on.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// MessagesSent gets the number of envelopes sent.
func (t *Transport) MessagesSent() int64 {
	return t.sent.Load()
}

// MessagesReceived gets the number of envelopes read
// from peers.
func (t *Transport) MessagesReceived() int64 {
	return t.received.Load()
}

// Send writes env to dest's connection.
func (t *Transport) Send(dest int, env *comm.Envelope) error {
	if t.closed.Load() {
		return &comm.TransportError{Op: "send to", Rank: t.rank, Peer: dest, Tag: env.Tag,
			Err: errClosed}
	}
	if dest < 0 || dest >= len(t.addrs) {
		return errors.Wrapf(comm.ErrTransport, "destination rank %d out of range", dest)
	}
	env.Source = t.rank
	if dest == t.rank {
		t.lock.Lock()
		env.Seq = t.selfSeq
		t.selfSeq++
		t.lock.Unlock()
		t.box.Put(env)
		t.sent.Inc()
		return nil
	}

	p := t.peers[dest]
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	env.Seq = p.nextSeq
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return &comm.TransportError{Op: "encode for", Rank: t.rank, Peer: dest, Tag: env.Tag, Err: err}
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return &comm.TransportError{Op: "send to", Rank: t.rank, Peer: dest, Tag: env.Tag, Err: err}
	}
	p.nextSeq++
	t.sent.Inc()
	return nil
}

// Recv blocks until a matching envelope arrives or the
// source's connection fails.
func (t *Transport) Recv(source int, context uuid.UUID, tag int) (*comm.Envelope, error) {
	env, err := t.box.Wait(source, context, tag)
	if err != nil {
		return nil, &comm.TransportError{Op: "receive from", Rank: t.rank, Peer: source, Tag: tag,
			Err: err}
	}
	return env, nil
}

// Close says goodbye to every peer, then closes the
// connections and the listener.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	var result *multierror.Error

	t.lock.Lock()
	peers := append([]*peer{}, t.peers...)
	t.lock.Unlock()

	for _, p := range peers {
		if p == nil {
			continue
		}
		select {
		case <-p.done:
			// The peer hung up first.
			if err := p.conn.Close(); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "close rank %d", p.rank))
			}
			continue
		default:
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		p.writeLock.Lock()
		err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		p.writeLock.Unlock()
		if err != nil && err != websocket.ErrCloseSent {
			result = multierror.Append(result, errors.Wrapf(err, "close rank %d", p.rank))
		}
		select {
		case <-p.done:
		case <-time.After(closeGracePeriod):
		}
		if err := p.conn.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close rank %d", p.rank))
		}
	}
	if err := t.server.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close server"))
	}
	t.box.Fail(errClosed)
	return result.ErrorOrNil()
}

func (t *Transport) dial(r int, deadline time.Time) error {
	url := "ws://" + t.addrs[r] + path
	for {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			if err := conn.WriteJSON(hello{Rank: t.rank}); err != nil {
				conn.Close()
				return errors.Wrapf(err, "greet rank %d", r)
			}
			t.register(r, conn)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "dial rank %d at %s", r, t.addrs[r])
		}
		time.Sleep(dialRetryInterval)
	}
}

func (t *Transport) accept(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.WithError(err).Warn("rejected peer connection")
		return
	}
	var h hello
	if err := conn.ReadJSON(&h); err != nil {
		t.log.WithError(err).Warn("peer did not greet")
		conn.Close()
		return
	}
	if h.Rank <= t.rank || h.Rank >= len(t.addrs) {
		t.log.WithField("peer", h.Rank).Warn("unexpected peer rank")
		conn.Close()
		return
	}
	t.register(h.Rank, conn)
}

func (t *Transport) register(r int, conn *websocket.Conn) {
	p := &peer{rank: r, conn: conn, done: make(chan struct{})}
	t.lock.Lock()
	if t.peers[r] != nil {
		t.lock.Unlock()
		t.log.WithField("peer", r).Warn("duplicate peer connection")
		conn.Close()
		return
	}
	t.peers[r] = p
	t.connected++
	if t.connected == len(t.addrs)-1 {
		close(t.ready)
	}
	t.lock.Unlock()
	go t.readLoop(p)
}

func (t *Transport) readLoop(p *peer) {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.log.WithError(err).WithField("peer", p.rank).Warn("lost connection to peer")
			}
			t.box.FailSource(p.rank, err)
			return
		}
		var env comm.Envelope
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
			t.box.FailSource(p.rank, errors.Wrap(err, "malformed envelope"))
			return
		}
		env.Source = p.rank
		t.received.Inc()
		t.box.Put(&env)
	}
}
