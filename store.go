package wcsnap

import (
	"fmt"
	"strings"

	"github.com/aweris/wcsnap/internal/remote"
	"github.com/aweris/wcsnap/internal/store"
)

// Store is the public interface for snapshot storage.
// Re-exported from internal/store for convenience.
type Store = store.Store

// OpenStore opens the store behind an endpoint string. Comma-separated
// endpoints are written together and read with fallback. Every store is
// wrapped with a presence cache.
func OpenStore(endpoint string, opts ...Option) (Store, error) {
	return openStore(endpoint, newOptions(opts))
}

func openStore(endpoint string, o *Options) (Store, error) {
	if o.Store != nil {
		return o.Store, nil
	}

	var stores []store.Store
	for _, ep := range strings.Split(endpoint, ",") {
		s, err := openEndpoint(strings.TrimSpace(ep), o)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	if len(stores) == 1 {
		return store.NewCached(stores[0], 0), nil
	}

	m, err := store.NewMultiplex(stores, o.MinWrites)
	if err != nil {
		return nil, err
	}
	return store.NewCached(m, 0), nil
}

func openEndpoint(ep string, o *Options) (store.Store, error) {
	switch {
	case ep == "":
		return store.NewLocalStore(o.DataDir, o.CompressionLevel, o.CompressionLevel > 0)
	case ep == "mem://":
		return store.NewMemory(), nil
	case strings.HasPrefix(ep, "file://"):
		return store.NewLocalStore(strings.TrimPrefix(ep, "file://"), o.CompressionLevel, o.CompressionLevel > 0)
	case strings.HasPrefix(ep, "/"), strings.HasPrefix(ep, "."):
		return store.NewLocalStore(ep, o.CompressionLevel, o.CompressionLevel > 0)
	case strings.Contains(ep, "://") && !strings.HasPrefix(ep, "oci://"):
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", ep)
	default:
		return remote.NewOCI(strings.TrimPrefix(ep, "oci://"), o.Auth, o.Insecure, remote.WithConcurrency(o.Concurrency))
	}
}
