package netmon

import (
	"context"
	"net"
	"time"

	"github.com/matheus3301/threadsync/internal/logging"
	"go.uber.org/zap"
)

// Prober derives connectivity from the host's interfaces and a periodic
// TCP dial to a well-known address.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	// Overridable in tests.
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	interfaces func() bool

	b broadcaster
}

// NewProber returns a Prober dialing addr every interval.
func NewProber(addr string, interval time.Duration, logger *zap.Logger) *Prober {
	timeout := interval / 2
	if timeout <= 0 || timeout > 3*time.Second {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Prober{
		addr:       addr,
		interval:   interval,
		timeout:    timeout,
		logger:     logging.OrNop(logger),
		dial:       d.DialContext,
		interfaces: hasActiveInterface,
	}
}

func (p *Prober) Subscribe(fn func(State)) func() {
	return p.b.subscribe(fn)
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe takes one observation and publishes it if it changed.
func (p *Prober) Probe(ctx context.Context) State {
	s := State{IsConnected: p.interfaces()}
	if s.IsConnected {
		dctx, cancel := context.WithTimeout(ctx, p.timeout)
		conn, err := p.dial(dctx, "tcp", p.addr)
		cancel()
		if err == nil {
			_ = conn.Close()
		}
		s.IsInternetReachable = Reachable(err == nil)
	} else {
		s.IsInternetReachable = Reachable(false)
	}
	if p.b.publish(s) {
		p.logger.Info("network state changed", zap.Stringer("state", s))
	}
	return s
}

func hasActiveInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
