package broker

import (
	"go.uber.org/atomic"
)

// Stats holds the broker counters published under $SYS.
type Stats struct {
	ClientsMaximum   *atomic.Int64
	MessagesReceived *atomic.Int64
	MessagesSent     *atomic.Int64
	PublishReceived  *atomic.Int64
	PublishSent      *atomic.Int64
	PublishDropped   *atomic.Int64
	BytesReceived    *atomic.Int64
	BytesSent        *atomic.Int64
}

func newStats() *Stats {
	return &Stats{
		ClientsMaximum:   atomic.NewInt64(0),
		MessagesReceived: atomic.NewInt64(0),
		MessagesSent:     atomic.NewInt64(0),
		PublishReceived:  atomic.NewInt64(0),
		PublishSent:      atomic.NewInt64(0),
		PublishDropped:   atomic.NewInt64(0),
		BytesReceived:    atomic.NewInt64(0),
		BytesSent:        atomic.NewInt64(0),
	}
}

// observeClients raises ClientsMaximum to connected when it is a new high.
func (s *Stats) observeClients(connected int64) {
	for {
		current := s.ClientsMaximum.Load()
		if connected <= current || s.ClientsMaximum.CompareAndSwap(current, connected) {
			return
		}
	}
}
