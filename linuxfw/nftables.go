package linuxfw

import (
	"fmt"

	"github.com/google/nftables"
)

// DetectNetfilterMode reports how many nftables rules are already present
// on the system, mirroring the teacher's own DetectNetfilter. A non-zero
// count means the distro's iptables frontend is likely the nft-backed one
// (or nft is used directly elsewhere), which is useful context to log at
// startup since Runner drives the legacy iptables API either way.
func DetectNetfilterMode() (int, error) {
	conn, err := nftables.New()
	if err != nil {
		return 0, fmt.Errorf("linuxfw: nftables connect: %w", err)
	}
	chains, err := conn.ListChains()
	if err != nil {
		return 0, fmt.Errorf("linuxfw: list chains: %w", err)
	}
	var n int
	for _, chain := range chains {
		rules, err := conn.GetRules(chain.Table, chain)
		if err != nil {
			continue
		}
		n += len(rules)
	}
	return n, nil
}
