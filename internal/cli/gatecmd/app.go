package gatecmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuihairu/execgate/internal/audit/chain"
	"github.com/cuihairu/execgate/internal/authz"
	"github.com/cuihairu/execgate/internal/cli/common"
	"github.com/cuihairu/execgate/internal/db"
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/lock"
	"github.com/cuihairu/execgate/internal/notify"
	"github.com/cuihairu/execgate/internal/policy"
	reqrepo "github.com/cuihairu/execgate/internal/repo/gorm/requests"
	"github.com/cuihairu/execgate/internal/service/requests"
	"github.com/cuihairu/execgate/internal/telemetry"
	"gorm.io/gorm"
)

// app holds everything a command needs; close releases it in reverse order.
type app struct {
	cfg     *common.Config
	log     *slog.Logger
	db      *gorm.DB
	svc     *requests.Service
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openDB(cfg *common.Config) (*gorm.DB, error) {
	g, err := db.Open(cfg.DB.DSN, db.Options{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return g, nil
}

func newApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			_ = a.close(ctx)
		}
	}()

	if a.db, err = openDB(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err = reqrepo.AutoMigrate(a.db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var reg *policy.Registry
	if cfg.Policies.File != "" {
		if reg, err = policy.Load(cfg.Policies.File, logger); err != nil {
			return nil, err
		}
		if cfg.Policies.Watch {
			wctx, cancel := context.WithCancel(context.Background())
			if err = reg.Watch(wctx, 0); err != nil {
				cancel()
				return nil, err
			}
			a.closers = append(a.closers, func(context.Context) error { cancel(); return nil })
		}
	} else {
		reg = policy.NewRegistry()
	}

	opts := []requests.Option{requests.WithLogger(logger)}
	if cfg.Lease > 0 {
		opts = append(opts, requests.WithLease(cfg.Lease))
	}

	if cfg.Lock.Type == "redis" {
		rl, err := lock.NewRedisFromURL(cfg.Lock.RedisURL, lock.WithTTL(cfg.Lock.TTL))
		if err != nil {
			return nil, fmt.Errorf("lock: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
		opts = append(opts, requests.WithLocker(rl))
	}

	q := notify.New(cfg.Notify, logger)
	a.closers = append(a.closers, func(context.Context) error { return q.Close() })
	opts = append(opts, requests.WithNotifier(q))

	if cfg.Audit.File != "" {
		w, err := chain.NewWriter(cfg.Audit.File)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return w.Close() })
		opts = append(opts, requests.WithAuditor(w))
	}

	if cfg.Authz.Model != "" {
		p, err := authz.NewCasbinPolicy(cfg.Authz.Model, cfg.Authz.Policy)
		if err != nil {
			return nil, fmt.Errorf("authz: %w", err)
		}
		roles := cfg.Authz.Roles
		opts = append(opts, requests.WithRoles(p, func(u domain.User) []string { return roles[u.ID] }))
	}

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tp.Shutdown)
	opts = append(opts, requests.WithMetrics(tp.Metrics), requests.WithTracer(tp.Tracer))

	a.svc = requests.NewService(reqrepo.NewPortRepo(reqrepo.NewRepo(a.db)), reg, opts...)
	return a, nil
}
