// The tetherd program is the tethering control-plane daemon: it owns the
// decision of whether tethering is active, which upstream network backs
// it, and the kernel-facing NAT/forwarding/DHCP/CLAT state that decision
// implies. It does not carry any tethered traffic itself; that's the
// kernel's job once tetherd has programmed it.
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tethercore.dev/addrcoord"
	"tethercore.dev/callback"
	"tethercore.dev/config"
	"tethercore.dev/dns64"
	"tethercore.dev/eventbus"
	"tethercore.dev/health"
	"tethercore.dev/linuxfw"
	"tethercore.dev/metrics"
	"tethercore.dev/nat464"
	"tethercore.dev/netd"
	"tethercore.dev/offload"
	"tethercore.dev/routing"
	"tethercore.dev/tether"
	"tethercore.dev/types/logger"
	"tethercore.dev/upstream"

	"github.com/vishvananda/netns"
)

func main() {
	configPath := flag.String("config", "", "path to a HuJSON tethering configuration file (optional)")
	debugAddr := flag.String("debug", "", "address to serve /debug/vars and /debug/pprof on (optional)")
	configPollInterval := flag.Duration("config-poll-interval", 5*time.Second, "how often to re-read -config for changes")
	dns64Interval := flag.Duration("dns64-probe-interval", 30*time.Second, "how often to re-probe an upstream for a NAT64 prefix")
	clatdPath := flag.String("clatd-path", "", "path to the clatd binary used for NAT64/CLAT translation (defaults to $PATH lookup of \"clatd\")")
	flag.Parse()

	logf := logger.RateLimitedFn(log.Printf, 5*time.Second, 5, 100)

	if n, err := linuxfw.DetectNetfilterMode(); err != nil {
		logf("netfilter: mode detection failed: %v", err)
	} else {
		logf("netfilter: %d existing nftables rules found on this host", n)
	}

	if *debugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/vars", expvar.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		go func() {
			if err := http.ListenAndServe(*debugAddr, mux); err != nil {
				logf("debug server: %v", err)
			}
		}()
	}

	base := config.TetheringConfiguration{}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("reading %s: %v", *configPath, err)
		}
		base, err = config.Load(raw)
		if err != nil {
			log.Fatalf("parsing %s: %v", *configPath, err)
		}
	}
	cfg := config.NewStore(base)

	bus := eventbus.New()
	healthRegistry := health.NewRegistry()
	healthRegistry.RegisterWatcher(func(sub health.Subsystem, err error) {
		if err != nil {
			logf("health: %s: %v", sub, err)
		} else {
			logf("health: %s: recovered", sub)
		}
	})

	var localNS netns.NsHandle // zero value: current namespace
	netdClient, err := netd.New(logf, localNS)
	if err != nil {
		log.Fatalf("netd: %v", err)
	}
	routingCoord := routing.New(logf, netdClient)

	offloadFW, err := linuxfw.NewRunner(logf)
	if err != nil {
		log.Fatalf("linuxfw: %v", err)
	}
	metricsRegistry := metrics.NewRegistry("tetherd")
	offloadHealth := healthRegistry.Warnable(health.SysOffload)
	errOffloadFailed := errors.New("offload: rule programming failed")
	offloadCtrl := offload.New(logf, offloadFW, func(status offload.Status) {
		logf("offload status: %s", status)
		if status == offload.StatusFailed {
			offloadHealth.Set(errOffloadFailed)
		} else {
			offloadHealth.Set(nil)
		}
	})

	dns64Discoverer := dns64.New(logf, *dns64Interval, func(iface string, prefix netip.Prefix, ok bool) {
		logf("dns64: %s: prefix64 discovery ok=%v prefix=%v", iface, ok, prefix)
	})
	clatDaemon := nat464.NewExecDaemon(logf, *clatdPath)
	clatLink := &nat464.RoutingStackedLink{Routing: routingCoord}
	clatCtrl := nat464.New(logf, dns64Discoverer, clatDaemon, clatLink)

	addrCoord := addrcoord.New(logf, addrcoord.Config{
		DedicatedWifiP2PIP: cfg.Current().DedicatedWifiP2PIP,
		Bus:                bus,
	})
	upstreamMon := upstream.New(logf, bus)
	callbackRegistry := callback.New(logf)

	sched := tether.RealScheduler()
	orchestrator := tether.New(
		logf,
		routingCoord,
		upstreamMon,
		addrCoord,
		offloadCtrl,
		clatCtrl,
		callbackRegistry,
		cfg,
		sched,
		healthRegistry,
		nil, // no platform Wi-Fi IP-mode collaborator outside the mobile OS itself
	)
	orchestrator.SetMetrics(metricsRegistry)
	orchestrator.RefreshDunSetting()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pollConfigFile(ctx, *configPath, *configPollInterval, cfg, orchestrator, logf)
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	logf("tetherd: running")
	if err := g.Wait(); err != nil {
		logf("tetherd: exiting: %v", err)
	}
}

// pollConfigFile re-reads path on every tick and pushes any change into cfg,
// matching config.Store's documented reactive-push design: the store itself
// never watches the filesystem, so whoever owns the daemon's lifecycle does.
func pollConfigFile(ctx context.Context, path string, interval time.Duration, cfg *config.Store, o *tether.Orchestrator, logf logger.Logf) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}
	var lastModTime time.Time
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fi, err := os.Stat(path)
			if err != nil {
				logf("config: stat %s: %v", path, err)
				continue
			}
			if !fi.ModTime().After(lastModTime) {
				continue
			}
			lastModTime = fi.ModTime()
			raw, err := os.ReadFile(path)
			if err != nil {
				logf("config: reading %s: %v", path, err)
				continue
			}
			parsed, err := config.Load(raw)
			if err != nil {
				logf("config: parsing %s: %v", path, err)
				continue
			}
			cfg.SetBase(parsed)
			o.OnConfigChanged()
			logf("config: reloaded from %s", path)
		}
	}
}
