package workflow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackwave/helmsman/pkg/log"
	"github.com/stackwave/helmsman/pkg/storage"
	"github.com/stackwave/helmsman/pkg/types"
)

// RegisterObservedHosts inserts a READY Host row for every inventory entry
// whose IP is not known yet. Hosts register themselves by answering an
// inventory broadcast; no upfront enrollment exists. Idempotent, and never
// touches an existing row — a host marked DOWN stays DOWN until something
// with more context says otherwise.
func (e *Engine) RegisterObservedHosts(inventories []types.HostInventory) error {
	logger := log.WithComponent("discovery")
	for _, inv := range inventories {
		if inv.IP == "" {
			continue
		}
		_, err := e.store.GetHostByIP(inv.IP)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("look up host %s: %w", inv.IP, err)
		}

		host := &types.Host{
			ID:       uuid.NewString(),
			IP:       inv.IP,
			Hostname: inv.Hostname,
			Status:   types.HostStatusReady,
		}
		if err := e.store.CreateHost(host); err != nil {
			return fmt.Errorf("register host %s: %w", inv.IP, err)
		}
		logger.Info().Str("ip", inv.IP).Str("hostname", inv.Hostname).Msg("registered new host")
	}
	return nil
}
