package dhcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/metrics"
	"github.com/stackwave/helmsman/pkg/storage"
)

// ErrPoolExhausted is returned by Lease when no free address remains.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Config holds the subnet parameters.
type Config struct {
	// Mask is the /24 prefix without the trailing octet, e.g. "10.0.0".
	Mask string
	// Reserved lists final octets never handed out (gateways, static
	// infrastructure).
	Reserved []int
	// Probe enables ICMP liveness checks: Init prunes addresses that
	// answer, Return only restores addresses that stay silent.
	Probe bool
}

// Prober answers whether an address responds on the network. Production
// uses ICMP echo; tests substitute a fake.
type Prober interface {
	Reachable(ctx context.Context, ip string) bool
}

// Allocator hands out cluster-member addresses from a /24 pool. The free
// list is rebuilt from persistent state at startup; at runtime it is the
// only source of truth, guarded by a mutex since handlers lease
// concurrently.
type Allocator struct {
	cfg    Config
	store  storage.Store
	prober Prober

	mu   sync.Mutex
	free []string
}

// New constructs an allocator. Call Init before the first Lease.
func New(cfg Config, store storage.Store, prober Prober) *Allocator {
	return &Allocator{cfg: cfg, store: store, prober: prober}
}

// Init builds the free pool: mask.254 down to mask.2, minus addresses held
// by existing nodes, minus the reserved list. With probing enabled,
// addresses that answer an echo are assumed live through some untracked
// path and pruned too.
func (a *Allocator) Init(ctx context.Context) error {
	nodes, err := a.store.ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes for pool init: %w", err)
	}
	inUse := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		inUse[node.IP] = true
	}

	reserved := make(map[int]bool, len(a.cfg.Reserved))
	for _, octet := range a.cfg.Reserved {
		reserved[octet] = true
	}

	logger := log.WithComponent("dhcp")
	var free []string
	for octet := 254; octet >= 2; octet-- {
		if reserved[octet] {
			continue
		}
		ip := fmt.Sprintf("%s.%d", a.cfg.Mask, octet)
		if inUse[ip] {
			continue
		}
		if a.cfg.Probe && a.prober.Reachable(ctx, ip) {
			logger.Warn().Str("ip", ip).Msg("address answers probe but is not tracked, pruning from pool")
			continue
		}
		free = append(free, ip)
	}

	a.mu.Lock()
	a.free = free
	a.mu.Unlock()
	metrics.LeasePoolFree.Set(float64(len(free)))

	logger.Info().Int("free", len(free)).Str("mask", a.cfg.Mask).Msg("lease pool initialized")
	return nil
}

// Lease pops one free address. Highest available octet first, matching the
// Init build order.
func (a *Allocator) Lease() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return "", ErrPoolExhausted
	}
	ip := a.free[0]
	a.free = a.free[1:]
	metrics.LeasePoolFree.Set(float64(len(a.free)))
	return ip, nil
}

// Return restores a leased address to the pool. With probing enabled the
// address is re-checked first and dropped if it answers — an address that
// came back into use through another path must not be handed out again.
func (a *Allocator) Return(ctx context.Context, ip string) {
	if a.cfg.Probe && a.prober.Reachable(ctx, ip) {
		wlog := log.WithComponent("dhcp")
		wlog.Warn().Str("ip", ip).Msg("returned address still answers probe, leaking it")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.free {
		if existing == ip {
			return
		}
	}
	a.free = append(a.free, ip)
	metrics.LeasePoolFree.Set(float64(len(a.free)))
}

// FreeCount reports the current pool size.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
