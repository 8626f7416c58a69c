// Package health detects networks that rewrite DNS answers, such as captive
// portals and intercepting proxies, before any batch is fetched through them.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrInterference means distinct well-known hosts resolved to overlapping
// addresses. Running behind such a network corrupts archives, so the whole
// run stops.
var ErrInterference = errors.New("dns answers indicate a firewall or proxy")

// DefaultHosts are unrelated sites that never share an address.
var DefaultHosts = []string{
	"twitter.com",
	"facebook.com",
	"youtube.com",
	"microsoft.com",
	"icanhas.cheezburger.com",
	"archiveteam.org",
}

// DefaultInterval is how many batches pass between two checks.
const DefaultInterval = 10

// Resolver looks up host addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Checker runs the DNS check at most once every interval+1 calls to Check.
type Checker struct {
	resolver Resolver
	hosts    []string
	interval int
	logger   *zap.Logger

	mu      sync.Mutex
	counter int
}

// NewChecker constructs a Checker. A nil resolver uses net.DefaultResolver.
func NewChecker(resolver Resolver, hosts []string, interval int, logger *zap.Logger) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	if interval < 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{resolver: resolver, hosts: hosts, interval: interval, logger: logger}
}

// Check resolves the hosts when the throttle counter is exhausted, then
// resets it. Between checks it only decrements the counter.
func (c *Checker) Check(ctx context.Context) error {
	c.mu.Lock()
	due := c.counter <= 0
	if due {
		c.counter = c.interval
	} else {
		c.counter--
	}
	c.mu.Unlock()

	if !due {
		return nil
	}
	if err := c.resolve(ctx); err != nil {
		// Force a re-check next time.
		c.mu.Lock()
		c.counter = 0
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Checker) resolve(ctx context.Context) error {
	c.logger.Info("checking ip addresses", zap.Int("hosts", len(c.hosts)))
	seen := make(map[netip.Addr]struct{}, len(c.hosts))
	for _, host := range c.hosts {
		addrs, err := c.resolver.LookupNetIP(ctx, "ip4", host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("resolve %s: no addresses", host)
		}
		seen[addrs[0].Unmap()] = struct{}{}
	}
	if len(seen) != len(c.hosts) {
		got := make([]string, 0, len(seen))
		for addr := range seen {
			got = append(got, addr.String())
		}
		sort.Strings(got)
		c.logger.Error("are you behind a firewall or proxy?", zap.Strings("addresses", got))
		return fmt.Errorf("%w: %d distinct addresses for %d hosts", ErrInterference, len(seen), len(c.hosts))
	}
	return nil
}
