// Package dns64 discovers a network's NAT64 prefix using RFC 7050's
// AAAA-synthesis probe: query ipv4only.arpa and see which /96 (or shorter)
// prefix the DNS64 resolver used to embed one of its two well-known IPv4
// answers. It implements the discovery collaborator that package nat464
// depends on, grounded on the miekg/dns query/response idiom used by
// net/dns/recursive/recursive.go.
package dns64

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"tethercore.dev/types/logger"
)

// probeName is the RFC 7050 well-known name that only resolves to an AAAA
// record on a network running DNS64.
const probeName = "ipv4only.arpa."

// wellKnownV4 are the two IPv4 addresses ipv4only.arpa is defined to
// resolve to; whichever of these is found embedded in the AAAA answer
// tells us where the NAT64 prefix ends and the embedded address begins.
var wellKnownV4 = []netip.Addr{
	netip.MustParseAddr("192.0.0.170"),
	netip.MustParseAddr("192.0.0.171"),
}

// candidateLengths are the prefix lengths RFC 6052 supports, tried longest
// first since /96 is by far the most common deployment.
var candidateLengths = []int{96, 64, 56, 48, 40, 32}

const queryTimeout = 5 * time.Second

// OnDiscovered is called with the discovered prefix for iface, or with
// ok=false if a previously reported prefix should be considered stale
// (the probe query failed or stopped returning AAAA answers). It is called
// from a goroutine owned by the Discoverer, not from the serial tethering
// loop; callers must marshal it onto their own event loop the same way any
// other externally-sourced event is enqueued.
type OnDiscovered func(iface string, prefix netip.Prefix, ok bool)

// Discoverer runs one RFC 7050 probe loop per upstream interface, using
// the interface's own DNS resolver (a nameserver address, since Go's
// system resolver keeps no per-interface state).
type Discoverer struct {
	logf     logger.Logf
	interval time.Duration
	onResult OnDiscovered

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns a Discoverer that re-probes every interval and reports
// results via onResult.
func New(logf logger.Logf, interval time.Duration, onResult OnDiscovered) *Discoverer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Discoverer{
		logf:     logger.WithPrefix(logf, "dns64: "),
		interval: interval,
		onResult: onResult,
		cancels:  map[string]context.CancelFunc{},
	}
}

// StartWithResolver begins probing nameserver (host:port) on behalf of
// upstreamIface. It is called with the nameserver baked into upstreamIface's DNS
// configuration by the caller; this package has no route to learn it
// itself.
func (d *Discoverer) StartWithResolver(upstreamIface, nameserver string) error {
	d.mu.Lock()
	if _, ok := d.cancels[upstreamIface]; ok {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancels[upstreamIface] = cancel
	d.mu.Unlock()

	go d.probeLoop(ctx, upstreamIface, nameserver)
	return nil
}

// Start satisfies nat464.PrefixDiscovery by probing the fixed local stub
// resolver (127.0.0.53:53) rather than a specific per-interface
// nameserver.
func (d *Discoverer) Start(upstreamIface string) error {
	return d.StartWithResolver(upstreamIface, "")
}

// Stop cancels probing for upstreamIface.
func (d *Discoverer) Stop(upstreamIface string) {
	d.mu.Lock()
	cancel, ok := d.cancels[upstreamIface]
	delete(d.cancels, upstreamIface)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Discoverer) probeLoop(ctx context.Context, iface, nameserver string) {
	d.probeOnce(ctx, iface, nameserver)
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.probeOnce(ctx, iface, nameserver)
		}
	}
}

func (d *Discoverer) probeOnce(ctx context.Context, iface, nameserver string) {
	prefix, err := d.query(ctx, nameserver)
	if err != nil {
		d.logf("probe on %s failed: %v", iface, err)
		if d.onResult != nil {
			d.onResult(iface, netip.Prefix{}, false)
		}
		return
	}
	if d.onResult != nil {
		d.onResult(iface, prefix, true)
	}
}

func (d *Discoverer) query(ctx context.Context, nameserver string) (netip.Prefix, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(probeName, dns.TypeAAAA)

	c := new(dns.Client)
	c.Timeout = queryTimeout

	resolver := nameserver
	if resolver == "" {
		resolver = "127.0.0.53:53" // typical local stub resolver address
	}

	var d2 net.Dialer
	conn, err := d2.DialContext(ctx, "udp", resolver)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("dns64: dial %s: %w", resolver, err)
	}
	defer conn.Close()

	dc := &dns.Conn{Conn: conn}
	resp, _, err := c.ExchangeWithConnContext(ctx, m, dc)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("dns64: query %s: %w", resolver, err)
	}

	for _, rr := range resp.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}
		v6, ok := netip.AddrFromSlice(aaaa.AAAA)
		if !ok || !v6.Is6() {
			continue
		}
		if prefix, ok := ExtractPrefix64(v6); ok {
			return prefix, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("dns64: no NAT64 prefix found in response for %s", probeName)
}

// ExtractPrefix64 reverses the RFC 6052 embedding nat464.Embed performs:
// given an AAAA answer to ipv4only.arpa, it tries each supported prefix
// length and checks whether the address bytes that would follow the
// prefix at that length reconstruct one of the two well-known IPv4
// addresses. The first match (trying /96 first) is returned.
func ExtractPrefix64(addr netip.Addr) (netip.Prefix, bool) {
	if !addr.Is6() {
		return netip.Prefix{}, false
	}
	bytes := addr.As16()

	for _, bits := range candidateLengths {
		prefixBytes := bits / 8
		var v4 [4]byte
		pos, ai := prefixBytes, 0
		for ai < 4 {
			if pos == 8 {
				pos++
				continue
			}
			if pos >= 16 {
				break
			}
			v4[ai] = bytes[pos]
			pos++
			ai++
		}
		if ai != 4 {
			continue
		}
		candidate := netip.AddrFrom4(v4)
		if !isWellKnown(candidate) {
			continue
		}
		var prefixBits [16]byte
		copy(prefixBits[:prefixBytes], bytes[:prefixBytes])
		return netip.PrefixFrom(netip.AddrFrom16(prefixBits), bits), true
	}
	return netip.Prefix{}, false
}

func isWellKnown(a netip.Addr) bool {
	for _, w := range wellKnownV4 {
		if a == w {
			return true
		}
	}
	return false
}
