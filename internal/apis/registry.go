// Package apis maps integration names to their definitions.
package apis

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/livinlefevreloca/apisync/internal/apis/wahoo"
	"github.com/livinlefevreloca/apisync/internal/config"
	"github.com/livinlefevreloca/apisync/internal/endpoint"
)

// ErrUnsupported is returned for an integration name with no definition.
var ErrUnsupported = errors.New("unsupported integration")

type builder func(cfg *config.Config) (*endpoint.Integration, error)

var registry = map[string]builder{
	wahoo.Name: buildWahoo,
}

// Names returns the supported integration names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported returns ErrUnsupported when name has no definition.
func Supported(name string) error {
	if _, ok := registry[name]; !ok {
		return fmt.Errorf("%w: %q (supported: %v)", ErrUnsupported, name, Names())
	}
	return nil
}

// Build constructs the named integration from cfg.
func Build(name string, cfg *config.Config) (*endpoint.Integration, error) {
	if err := Supported(name); err != nil {
		return nil, err
	}
	build := registry[name]
	integration, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure %s: %w", name, err)
	}
	return integration, nil
}

func buildWahoo(cfg *config.Config) (*endpoint.Integration, error) {
	wc := cfg.Integrations.Wahoo
	store := wc.TokenStore
	if store == "" {
		store = wahoo.DefaultTokenStore(cfg.Output.Dir)
	}
	return wahoo.New(wahoo.Config{
		ClientID:     wc.ClientID,
		ClientSecret: wc.ClientSecret,
		RefreshToken: wc.RefreshToken,
		TokenStore:   store,
		HTTPClient:   &http.Client{Timeout: cfg.HTTP.Timeout},
		Replay:       cfg.Debug.UseMocks,
	})
}
