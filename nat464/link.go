package nat464

import (
	"net/netip"

	"tethercore.dev/routing"
)

// RoutingStackedLink implements StackedLink against a routing.Coordinator,
// installing a default IPv4 route through the stacked interface's own
// address the way ConnectivityService injects a RouteInfo pointed at
// clatAddress into the base network's LinkProperties.
type RoutingStackedLink struct {
	Routing *routing.Coordinator
}

func (l *RoutingStackedLink) Attach(stackedIface string, v4Addr netip.Addr) error {
	return l.Routing.AddRoute(nil, routing.Route{
		Destination: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Gateway:     v4Addr,
		Iface:       stackedIface,
	})
}

func (l *RoutingStackedLink) Detach(stackedIface string) error {
	return l.Routing.RemoveRoute(nil, routing.Route{
		Destination: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Iface:       stackedIface,
	})
}
