package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/repository"
)

// PrepareDevice registers a start hook that assigns the installation a
// stable device id and prunes expired brand session records.
func PrepareDevice(lc fx.Lifecycle, prefs repository.PreferenceStore, brands repository.BrandSessionRepository, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return prepareDevice(ctx, prefs, brands, time.Now(), logger)
		},
	})
}

func prepareDevice(ctx context.Context, prefs repository.PreferenceStore, brands repository.BrandSessionRepository, now time.Time, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	id, err := prefs.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap load device id: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := prefs.SetDeviceID(ctx, id); err != nil {
			return fmt.Errorf("bootstrap store device id: %w", err)
		}
		logger.Info("device id assigned", zap.String("device_id", id))
	}

	pruned, err := brands.DeleteExpired(ctx, now)
	if err != nil {
		// Stale records only cost storage; startup continues.
		logger.Warn("prune brand sessions failed", zap.Error(err))
		return nil
	}
	if pruned > 0 {
		logger.Info("brand sessions pruned", zap.Int64("count", pruned))
	}
	return nil
}
