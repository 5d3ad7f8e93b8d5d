// Package config loads TetheringConfiguration from a HuJSON document and
// overlays the settings keys the core reacts to at runtime, the way
// ipn/conf.go loads a config file with github.com/tailscale/hujson.
package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tailscale/hujson"

	"tethercore.dev/upstream"
)

// TetheringConfiguration is the parsed, defaulted configuration a running
// core acts on.
type TetheringConfiguration struct {
	// PreferredUpstreamIfaceTypes is the explicit priority list used by
	// chooseUpstream when auto-selection is off. Empty means auto-select.
	PreferredUpstreamIfaceTypes []upstream.Type `json:",omitempty"`

	// DedicatedWifiP2PIP mirrors the platform "dedicated IP" policy for
	// Wi-Fi Direct downstreams.
	DedicatedWifiP2PIP bool `json:",omitempty"`

	// AllowVPNUpstreams corresponds to TETHERING_ALLOW_VPN_UPSTREAMS.
	AllowVPNUpstreams bool `json:",omitempty"`

	// UseLegacyDHCPServer selects a configured DHCP range list
	// (LegacyDHCPRanges) over an empty range list handed to the tether
	// daemon, matching cfg.useLegacyDhcpServer/useLegacyDhcpRanges.
	UseLegacyDHCPServer bool     `json:",omitempty"`
	LegacyDHCPRanges    []string `json:",omitempty"`

	// LegacyGuessDownstreamOnDisable enables the pre-U fallback that
	// guesses the sole tethered Wi-Fi IpServer to stop when an AP-disable
	// event arrives without an interface name.
	LegacyGuessDownstreamOnDisable bool `json:",omitempty"`
}

// settingsOverlay is the mutable subset of configuration that can change at
// runtime via settings keys, independent of the on-disk file.
type settingsOverlay struct {
	ForceUSBFunctionsNCM  bool // TETHER_FORCE_USB_FUNCTIONS
	Supported             bool // TETHER_SUPPORTED
	AllowVPNUpstreams     bool // TETHERING_ALLOW_VPN_UPSTREAMS
	AllowCellularUpstream bool // the DUN-required setting: whether a cellular network may be used as upstream
}

// Store owns the loaded TetheringConfiguration plus the settings-key
// overlay, and hands out a merged, defaulted view. It re-reads reactively:
// callers push new values in as they observe them (a HuJSON file change, a
// settings provider callback) rather than the store polling anything
// itself, matching maybeDunSettingChanged's re-check-on-event style.
type Store struct {
	mu         sync.Mutex
	base       TetheringConfiguration
	overlay    settingsOverlay
	generation int
}

// NewStore returns a Store with base as the file-loaded configuration and
// tethering supported by default.
func NewStore(base TetheringConfiguration) *Store {
	return &Store{base: base, overlay: settingsOverlay{Supported: true, AllowCellularUpstream: true}}
}

// Load parses raw as HuJSON (or plain JSON) into a TetheringConfiguration.
func Load(raw []byte) (TetheringConfiguration, error) {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return TetheringConfiguration{}, fmt.Errorf("config: parsing as HuJSON/JSON: %w", err)
	}
	var c TetheringConfiguration
	if err := json.Unmarshal(std, &c); err != nil {
		return TetheringConfiguration{}, fmt.Errorf("config: parsing: %w", err)
	}
	return c, nil
}

// Current returns the merged configuration currently in effect.
func (s *Store) Current() TetheringConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.base
	c.AllowVPNUpstreams = s.overlay.AllowVPNUpstreams
	return c
}

// Generation returns a counter that advances every time SetBase or a
// settings key changes, for change-detection by callers like the
// callback registry's configurationChanged broadcast.
func (s *Store) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// SetBase replaces the file-loaded configuration (e.g. after a HuJSON file
// change is observed).
func (s *Store) SetBase(base TetheringConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = base
	s.generation++
}

// SetForceUSBFunctionsNCM applies TETHER_FORCE_USB_FUNCTIONS. It reports
// whether the value actually changed, since the orchestrator must restart
// USB/NCM downstreams only on a real transition.
func (s *Store) SetForceUSBFunctionsNCM(v bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.overlay.ForceUSBFunctionsNCM != v
	s.overlay.ForceUSBFunctionsNCM = v
	if changed {
		s.generation++
	}
	return changed
}

// ForceUSBFunctionsNCM reports the current TETHER_FORCE_USB_FUNCTIONS
// value.
func (s *Store) ForceUSBFunctionsNCM() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay.ForceUSBFunctionsNCM
}

// SetSupported applies TETHER_SUPPORTED.
func (s *Store) SetSupported(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlay.Supported != v {
		s.generation++
	}
	s.overlay.Supported = v
}

// Supported reports whether tethering is enabled at all.
func (s *Store) Supported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay.Supported
}

// SetAllowVPNUpstreams applies TETHERING_ALLOW_VPN_UPSTREAMS, returning
// whether the value changed. The value is reported through Current;
// upstream selection does not consult it, so VPN networks remain eligible
// upstreams whichever way it is set.
func (s *Store) SetAllowVPNUpstreams(v bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.overlay.AllowVPNUpstreams != v
	s.overlay.AllowVPNUpstreams = v
	if changed {
		s.generation++
	}
	return changed
}

// SetAllowCellularUpstream applies the DUN-required setting: whether a
// cellular network is currently eligible to serve as upstream. The
// orchestrator re-reads this on every chooseUpstream pass rather than only
// at startup, matching maybeDunSettingChanged.
func (s *Store) SetAllowCellularUpstream(v bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.overlay.AllowCellularUpstream != v
	s.overlay.AllowCellularUpstream = v
	if changed {
		s.generation++
	}
	return changed
}

// AllowCellularUpstream reports the current DUN-required setting.
func (s *Store) AllowCellularUpstream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay.AllowCellularUpstream
}
