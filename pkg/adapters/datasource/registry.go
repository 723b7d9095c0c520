package datasource

import (
	"context"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// AdapterInfo describes a registered adapter for UI discovery.
type AdapterInfo struct {
	Engine      models.Engine `json:"engine"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	DefaultPort int           `json:"default_port,omitempty"`
}

// OpenFunc opens a native handle for cfg.
type OpenFunc func(ctx context.Context, cfg models.ConnectionConfig, opts OpenOptions) (Handle, error)

// AdapterRegistration contains info and the factory for one engine.
type AdapterRegistration struct {
	Info AdapterInfo
	Open OpenFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[models.Engine]AdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Engine] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by engine.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Engine < result[j].Engine })
	return result
}

// GetOpener returns the factory for an engine, or nil if it is not registered.
func GetOpener(engine models.Engine) OpenFunc {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if engine == models.EngineMariaDB {
		if _, ok := registry[engine]; !ok {
			engine = models.EngineMySQL
		}
	}
	if reg, ok := registry[engine]; ok {
		return reg.Open
	}
	return nil
}

// IsRegistered checks if an adapter is available.
func IsRegistered(engine models.Engine) bool {
	return GetOpener(engine) != nil
}
