package blockdevice

import (
	"context"
	"sync"
)

// headerCachedDevice mirrors a Device's header blob in memory, so that
// HeaderData (which callers may poll once per access to check for an
// out-of-band mode change) doesn't round-trip to a remote backend on every
// call. Modeled on persistent/tiered-cache.go's tieredCache, which
// special-cases one DataType to be held in both a fast and a slow store;
// here the "fast store" is a single in-memory copy rather than a second
// full Device, since a header blob is a few hundred bytes at most.
type headerCachedDevice struct {
	Device
	mu     sync.RWMutex
	header []byte
}

// WithHeaderCache wraps dev so that HeaderData is served from memory.
// UpdateHeaderData still writes through to dev before updating the cache,
// so a crash between the two never leaves the cache ahead of durable state.
func WithHeaderCache(dev Device) Device {
	return &headerCachedDevice{Device: dev, header: dup(dev.HeaderData())}
}

func (h *headerCachedDevice) HeaderData() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return dup(h.header)
}

func (h *headerCachedDevice) UpdateHeaderData(ctx context.Context, newHeader []byte) error {
	if err := h.Device.UpdateHeaderData(ctx, newHeader); err != nil {
		return err
	}
	h.mu.Lock()
	h.header = dup(newHeader)
	h.mu.Unlock()
	return nil
}
