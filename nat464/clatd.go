package nat464

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"tethercore.dev/types/logger"
)

// clatHostAddress is the fixed CLAT host address defined by RFC 7335,
// embedded into the active NAT64 prefix to give clatd a stable IPv6
// source address independent of whatever the stacked interface's v4
// address turns out to be.
var clatHostAddress = netip.MustParseAddr("192.0.0.4")

// ExecDaemon launches and stops the system clatd binary as a child
// process per base interface, grounded on containerboot's
// exec.Command("tailscaled", ...) pattern for driving an external helper
// process: the actual v4<->v6 translation happens inside that process,
// not in this control plane.
type ExecDaemon struct {
	logf logger.Logf
	path string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewExecDaemon returns a Daemon that runs path (or "clatd" if empty) per
// base interface it's asked to start translation on.
func NewExecDaemon(logf logger.Logf, path string) *ExecDaemon {
	if path == "" {
		path = "clatd"
	}
	return &ExecDaemon{
		logf:  logger.WithPrefix(logf, "clatd: "),
		path:  path,
		procs: map[string]*exec.Cmd{},
	}
}

func (d *ExecDaemon) Start(baseIface string, prefix netip.Prefix) (string, netip.Addr, error) {
	stacked := "v4-" + baseIface
	cmd := exec.Command(d.path, "-i", baseIface, "-o", stacked, "-p", prefix.String())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", netip.Addr{}, fmt.Errorf("nat464: start %s on %s: %w", d.path, baseIface, err)
	}

	d.mu.Lock()
	d.procs[baseIface] = cmd
	d.mu.Unlock()

	srcAddr, err := Embed(prefix, clatHostAddress)
	if err != nil {
		// Never actually reachable: prefix has already been vetted as a
		// usable NAT64 prefix by the time a daemon is started on it.
		return "", netip.Addr{}, fmt.Errorf("nat464: embed clat host address: %w", err)
	}
	return stacked, srcAddr, nil
}

func (d *ExecDaemon) Stop(baseIface string) {
	d.mu.Lock()
	cmd, ok := d.procs[baseIface]
	if ok {
		delete(d.procs, baseIface)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			d.logf("stop clatd on %s: %v", baseIface, err)
		}
	}
	go cmd.Wait()
}
