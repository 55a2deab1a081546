package heartbeat

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober answers whether the internet is reachable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// PingProber checks reachability with a single ICMP echo against a well-known
// host. Unprivileged UDP ping, so no capabilities are needed.
type PingProber struct {
	Host    string
	Timeout time.Duration
}

func (p *PingProber) Probe(ctx context.Context) error {
	pinger, err := probing.NewPinger(p.Host)
	if err != nil {
		return fmt.Errorf("resolve probe host %q: %w", p.Host, err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout == 0 {
		pinger.Timeout = 3 * time.Second
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("probe %q: %w", p.Host, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("probe %q: no reply", p.Host)
	}
	return nil
}
