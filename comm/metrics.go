package comm

import (
	"github.com/uber-go/tally/v4"
)

// Metrics tracks the traffic of every Group derived from
// one world.
type Metrics struct {
	MessagesSent     tally.Counter
	MessagesReceived tally.Counter
	BytesSent        tally.Counter
	SendFail         tally.Counter
	RecvFail         tally.Counter
	ShapeMismatch    tally.Counter

	Splits     tally.Counter
	Broadcasts tally.Counter
}

// NewMetrics creates Metrics under the "comm" sub-scope.
func NewMetrics(scope tally.Scope) *Metrics {
	s := scope.SubScope("comm")
	return &Metrics{
		MessagesSent:     s.Counter("messages_sent"),
		MessagesReceived: s.Counter("messages_received"),
		BytesSent:        s.Counter("bytes_sent"),
		SendFail:         s.Counter("send_fail"),
		RecvFail:         s.Counter("recv_fail"),
		ShapeMismatch:    s.Counter("shape_mismatch"),

		Splits:     s.Counter("splits"),
		Broadcasts: s.Counter("broadcasts"),
	}
}
