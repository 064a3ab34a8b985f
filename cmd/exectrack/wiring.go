package main

import (
	"context"

	"github.com/soochol/exectrack/internal/config"
	"github.com/soochol/exectrack/internal/repository"
	"github.com/soochol/exectrack/internal/services"
)

func openStore(ctx context.Context, c *config.Config) (repository.KeyValueStore, error) {
	return repository.Open(ctx, repository.Options{
		Driver: c.Storage.Driver,
		Path:   c.Storage.Path,
		DSN:    c.Storage.DSN,
		Prefix: c.Storage.Prefix,
		Retry: repository.RetryPolicy{
			MaxRetries:    c.Storage.Retry.MaxRetries,
			InitialDelay:  c.Storage.Retry.InitialDelay.Std(),
			MaxDelay:      c.Storage.Retry.MaxDelay.Std(),
			BackoffFactor: c.Storage.Retry.BackoffFactor,
		},
	})
}

func registryOptions(c *config.Config) services.RegistryOptions {
	return services.RegistryOptions{
		Timeout:             c.Registry.Timeout.Std(),
		HistoryLimit:        c.Registry.HistoryLimit,
		SimilarityThreshold: c.Registry.SimilarityThreshold,
		StorageKey:          c.Registry.StorageKey,
		WriteTimeout:        c.Storage.WriteTimeout.Std(),
	}
}

func trackerOptions(c *config.Config) services.TrackerOptions {
	return services.TrackerOptions{
		HistoryLimit: c.Tracker.HistoryLimit,
		StorageKey:   c.Tracker.StorageKey,
		WriteTimeout: c.Storage.WriteTimeout.Std(),
	}
}
