package probe

import (
	"context"
	"net"
	"time"

	"github.com/vyrodovalexey/avapool/internal/util"
)

// TCPProbe treats a server as healthy when a TCP connection to its
// address can be opened.
type TCPProbe struct {
	dialer net.Dialer
}

// NewTCPProbe creates a TCP probe.
func NewTCPProbe() *TCPProbe {
	return &TCPProbe{}
}

// Probe implements pool.Probe.
func (p *TCPProbe) Probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", address)
	latency := time.Since(start)
	if err != nil {
		return latency, util.NewProbeError(address, "dial failed", err)
	}
	_ = conn.Close()
	return latency, nil
}
