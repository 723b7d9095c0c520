package datasource

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// HandleFactory opens native handles for the connection manager.
type HandleFactory interface {
	Open(ctx context.Context, cfg models.ConnectionConfig, opts OpenOptions) (Handle, error)

	// ListAdapters returns info for all available engines.
	ListAdapters() []AdapterInfo
}

type registryFactory struct{}

// NewHandleFactory returns a factory that uses the global registry.
func NewHandleFactory() HandleFactory {
	return registryFactory{}
}

func (registryFactory) Open(ctx context.Context, cfg models.ConnectionConfig, opts OpenOptions) (Handle, error) {
	open := GetOpener(cfg.Engine)
	if open == nil {
		return nil, fmt.Errorf("unsupported engine: %s (not compiled in)", cfg.Engine)
	}
	return open(ctx, cfg, opts)
}

func (registryFactory) ListAdapters() []AdapterInfo {
	return RegisteredAdapters()
}

// Ensure registryFactory implements HandleFactory at compile time.
var _ HandleFactory = registryFactory{}
