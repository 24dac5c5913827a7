package dhcp

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// probeTimeout bounds one echo round trip. Pool initialization probes the
// whole subnet sequentially, so this stays short.
const probeTimeout = 500 * time.Millisecond

// ICMPProber checks liveness with a single ICMP echo.
type ICMPProber struct {
	// Privileged selects raw-socket ICMP; unprivileged UDP ping is the
	// default and works without CAP_NET_RAW.
	Privileged bool
}

// Reachable reports whether ip answered one echo within the probe timeout.
// Errors (no permission, unresolvable address) count as unreachable.
func (p *ICMPProber) Reachable(ctx context.Context, ip string) bool {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = probeTimeout

	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
