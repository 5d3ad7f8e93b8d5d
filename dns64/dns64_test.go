package dns64

import (
	"net/netip"
	"testing"

	"tethercore.dev/nat464"
)

func TestExtractPrefix64RoundTripsWithEmbed(t *testing.T) {
	prefixes := []string{
		"64:ff9b::/96",
		"2001:db8::/32",
		"2001:db8:100::/40",
		"2001:db8:122::/48",
		"2001:db8:122:300::/56",
		"2001:db8:122:344::/64",
	}
	for _, ps := range prefixes {
		prefix := netip.MustParsePrefix(ps)
		embedded, err := nat464.Embed(prefix, wellKnownV4[0])
		if err != nil {
			t.Fatalf("Embed(%s): %v", ps, err)
		}
		got, ok := ExtractPrefix64(embedded)
		if !ok {
			t.Fatalf("ExtractPrefix64(%v) found nothing for prefix %s", embedded, ps)
		}
		if got != prefix {
			t.Fatalf("ExtractPrefix64(%v) = %v, want %v", embedded, got, prefix)
		}
	}
}

func TestExtractPrefix64RejectsUnrelatedAddress(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::1")
	if _, ok := ExtractPrefix64(addr); ok {
		t.Fatal("expected no prefix to be found in an address with no embedded well-known IPv4")
	}
}

func TestExtractPrefix64RejectsIPv4(t *testing.T) {
	addr := netip.MustParseAddr("192.0.0.170")
	if _, ok := ExtractPrefix64(addr); ok {
		t.Fatal("expected ExtractPrefix64 to reject a non-IPv6 address")
	}
}
