// migrate.go - host/device migration hook for layerwise prefill.
//
// PageTable only tracks which page indices are free/used; the KV bytes
// themselves live in attention-kernel-owned tensors (spec.md §4.1, §4.6:
// "KV may live on host and be onloaded per-layer ... by the PagedKVCache's
// to_(device, layer)"). DeviceMigrator is the seam a real backend implements
// to actually move those bytes; PagedKVCache only forwards to it.
package kvcache

import "context"

// DeviceMigrator moves one layer's resident KV (or all layers') between host
// and device storage. A PrefillRunner running layerwise uses this to page KV
// in per-layer instead of keeping the whole sequence's KV device-resident.
type DeviceMigrator interface {
	MigrateLayer(ctx context.Context, layer int, toDevice bool) error
	MigrateAll(ctx context.Context, toDevice bool) error
}

// To asks m to migrate layer's KV storage to (toDevice=true) or off
// (toDevice=false) the device. A negative layer means every layer.
func (c *PagedKVCache) To(ctx context.Context, m DeviceMigrator, layer int, toDevice bool) error {
	if layer < 0 {
		return m.MigrateAll(ctx, toDevice)
	}
	return m.MigrateLayer(ctx, layer, toDevice)
}
