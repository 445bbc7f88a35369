//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/sharedblock/cmd/api/api"
	"github.com/onkernel/sharedblock/cmd/api/config"
	"github.com/onkernel/sharedblock/lib/migration"
	"github.com/onkernel/sharedblock/lib/pools"
	"github.com/onkernel/sharedblock/lib/providers"
	"github.com/onkernel/sharedblock/lib/volumes"
)

// application struct to hold initialized components
type application struct {
	Ctx        context.Context
	Logger     *slog.Logger
	Config     *config.Config
	Pools      pools.Manager
	Volumes    volumes.Manager
	Migration  *migration.Coordinator
	ApiService *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvidePaths,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideMeter,
		providers.ProvideRunner,
		providers.ProvideLVM,
		providers.ProvideStorage,
		providers.ProvideResolver,
		providers.ProvideFileLock,
		providers.ProvideScanner,
		providers.ProvidePoolManager,
		providers.ProvideVolumeManager,
		providers.ProvideMigrationCoordinator,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
