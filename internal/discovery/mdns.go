package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// defaultBrowseTimeout bounds one mDNS browse.
const defaultBrowseTimeout = 2 * time.Second

// Resolver supplies extra probe targets.
type Resolver interface {
	Lookup(ctx context.Context) ([]string, error)
}

// MDNSResolver browses the local network for machines that advertise a
// DNS-SD service and returns their IPv4 addresses.
type MDNSResolver struct {
	Service string
	Domain  string
	Timeout time.Duration
}

// Ensure MDNSResolver implements Resolver.
var _ Resolver = (*MDNSResolver)(nil)

// NewMDNSResolver creates a resolver for service in the "local." domain.
func NewMDNSResolver(service string) *MDNSResolver {
	return &MDNSResolver{Service: service, Domain: "local.", Timeout: defaultBrowseTimeout}
}

// Lookup browses until the timeout or ctx expires and returns what was found.
func (r *MDNSResolver) Lookup(ctx context.Context) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating mdns resolver: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultBrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, r.Service, r.Domain, entries); err != nil {
		return nil, fmt.Errorf("browsing %s: %w", r.Service, err)
	}

	var ips []string
	for {
		select {
		case <-ctx.Done():
			return mergeTargets(ips), nil
		case entry, ok := <-entries:
			if !ok {
				return mergeTargets(ips), nil
			}
			for _, ip := range entry.AddrIPv4 {
				ips = append(ips, ip.String())
			}
		}
	}
}
