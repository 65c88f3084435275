//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject

package app

import (
	"context"

	"quantbox/internal/config"
)

// buildAppWithWire is the assembly entry point: config produces the
// builder, the builder produces the App with its strategy registry,
// stores, price bus and paper trading stack wired together.
func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, error) {
	builder := provideQuantboxBuilder(cfg)
	application, err := provideQuantboxApp(ctx, builder)
	if err != nil {
		return nil, err
	}
	return application, nil
}

type appAssembler interface {
	Build(context.Context) (*App, error)
}

func provideQuantboxApp(ctx context.Context, assembler appAssembler) (*App, error) {
	return assembler.Build(ctx)
}

func provideQuantboxBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}
