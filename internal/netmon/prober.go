package netmon

import (
	"context"
	"log/slog"
	"net"
	"time"

	"qms/access-service/internal/clock"
	"qms/access-service/internal/logging"
)

// DialFunc matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober feeds a Monitor by dialing a TCP address. Its own loop is the only
// writer of the monitor's state in production.
type Prober struct {
	monitor  *Monitor
	address  string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	clock    clock.Clock
	logger   *slog.Logger
}

type ProberConfig struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
	Clock    clock.Clock
	Logger   *slog.Logger
}

func NewProber(monitor *Monitor, cfg ProberConfig) *Prober {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Prober{
		monitor:  monitor,
		address:  cfg.Address,
		interval: interval,
		timeout:  timeout,
		dial:     dial,
		clock:    clk,
		logger:   logging.OrDiscard(cfg.Logger),
	}
}

// Check probes once and reports the result.
func (p *Prober) Check(ctx context.Context) bool {
	if p.address == "" {
		p.monitor.Report(true)
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		p.logger.Debug("network probe failed", "address", p.address, "error", err)
		p.monitor.Report(false)
		return false
	}
	_ = conn.Close()
	p.monitor.Report(true)
	return true
}

// Run probes on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
