// Package relaycircuit configures the relay's circuit-relay v2 service
// (spec 4.5): the off-the-shelf building block that lets two peers with
// reservations exchange bytes through this process.
package relaycircuit

import (
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
)

const (
	maxReservations      = 256
	defaultDurationLimit = 300 * time.Second
	defaultDataLimit     = 16 * 1024 * 1024
)

// Resources returns the relay v2 resource limits required by spec 4.5.
// Peers that exceed them have their reservation terminated by the
// underlying transport; callers that care must treat circuit connections
// as limited and fall back to the HTTP message queue.
func Resources() relay.Resources {
	r := relay.DefaultResources()
	r.MaxReservations = maxReservations
	// ReservationTTL keeps the transport default reservation lifetime.
	r.Limit = &relay.RelayLimit{
		Duration: defaultDurationLimit,
		Data:     defaultDataLimit,
	}
	return r
}

// Start enables circuit relaying on h, returning the closer that must be
// invoked on shutdown.
func Start(h host.Host) (*relay.Relay, error) {
	return relay.New(h, relay.WithResources(Resources()))
}
