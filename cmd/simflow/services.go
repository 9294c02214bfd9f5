package main

import (
	"context"

	"github.com/simflow/simflow/pkg/artifact"
	"github.com/simflow/simflow/pkg/notify"
	"github.com/simflow/simflow/pkg/store"
)

// openOutbox returns the configured outbox, or nil when artifacts stay in
// the batch directory.
func openOutbox(ctx context.Context) (artifact.Outbox, error) {
	switch {
	case cfg.Outbox.S3 != nil:
		return artifact.NewS3Outbox(ctx, *cfg.Outbox.S3)
	case cfg.Outbox.Dir != "":
		return artifact.DirOutbox{Dir: cfg.Outbox.Dir}, nil
	}
	return nil, nil
}

// openNotifier returns the configured notifier, or nil.
func openNotifier(ctx context.Context) (*notify.RedisNotifier, error) {
	if cfg.Notify.Redis == nil {
		return nil, nil
	}
	return notify.NewRedisNotifier(ctx, *cfg.Notify.Redis)
}

func openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store.DSN, store.WithLogger(log))
}
