package local

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// serviceName is the mDNS service the power stations advertise on their
// access point network.
const serviceName = "_yeti._tcp"

// Peer is a discovered device endpoint.
type Peer struct {
	Name string // Instance name, usually the thing name.
	Host string
	Port int
}

// BaseURL renders the peer as an HTTP endpoint for RegisterPeer.
func (p Peer) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// Discover browses mDNS for nearby power stations until the timeout
// elapses, returning every peer seen.
func Discover(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]Peer, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	var peers []Peer
	go func() {
		defer close(done)
		for entry := range entries {
			var host string
			switch {
			case entry.AddrV4 != nil:
				host = entry.AddrV4.String()
			case entry.AddrV6 != nil:
				host = entry.AddrV6.String()
			default:
				continue
			}
			logger.Debug("discovered peer",
				zap.String("name", entry.Name),
				zap.String("host", host),
				zap.Int("port", entry.Port),
			)
			peers = append(peers, Peer{Name: entry.Name, Host: host, Port: entry.Port})
		}
	}()

	params := mdns.DefaultParams(serviceName)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)
	<-done

	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	if ctx.Err() != nil {
		return peers, ctx.Err()
	}
	return peers, nil
}
