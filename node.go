package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nzlov/dinesync/backend"
	"github.com/nzlov/dinesync/realtime"
	"github.com/nzlov/dinesync/session"
)

// Daemon owns the process-wide resources behind one realtime.Node.
type Daemon struct {
	rdb  *redis.Client
	db   *gorm.DB
	sess *session.Session
	node *realtime.Node
}

func newDaemon(ctx context.Context, cfg Config) (*Daemon, error) {
	log := zap.S()
	d := &Daemon{}

	if cfg.Redis.Enable {
		d.rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Host,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PoolSize:     10,
			PoolTimeout:  30 * time.Second,
		})
		if cfg.Redis.Name == "" {
			cfg.Redis.Name = time.Now().Format("Node-20060102150405")
		}
		if cfg.Redis.Channel == "" {
			cfg.Redis.Channel = "dinesync:events"
		}
		if err := d.rdb.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		log.Info("Redis enabled:", cfg.Redis.Name, cfg.Redis.Channel)
	}

	kv, err := d.openKV(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.sess = session.New(kv, log.With("component", "session"))
	if err := d.restore(ctx, cfg.Session); err != nil {
		d.Close()
		return nil, err
	}

	rest, err := backend.New(cfg.backend(), d.sess, log.With("component", "backend"))
	if err != nil {
		d.Close()
		return nil, err
	}
	d.node, err = realtime.New(cfg.realtime(), realtime.Deps{
		Session: d.sess,
		Backend: rest,
		Redis:   d.rdb,
		Log:     log,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) openKV(cfg Config) (session.KV, error) {
	switch cfg.Session.Backend {
	case "", "memory":
		return session.NewMemoryKV(), nil
	case "redis":
		if d.rdb == nil {
			return nil, errors.New("session backend redis needs redis.enable")
		}
		return session.NewRedisKV(d.rdb, cfg.Session.TTL), nil
	case "gorm", "postgres":
		loglevel := logger.Error
		if cfg.DBLog {
			loglevel = logger.Info
		}
		db, err := gorm.Open(postgres.Open(cfg.DB), &gorm.Config{
			Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
				SlowThreshold: 200 * time.Millisecond,
				LogLevel:      loglevel,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		d.db = db
		return session.NewGormKV(db)
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}

// restore loads the persisted principal, seeding it from config on first
// start.
func (d *Daemon) restore(ctx context.Context, cfg SessionConfig) error {
	p, err := d.sess.Load(ctx)
	if err == nil {
		zap.S().Infow("session restored", "restaurant", p.RestaurantID, "role", p.Role)
		return nil
	}
	if !errors.Is(err, session.ErrNoSession) {
		return err
	}
	if cfg.Token == "" {
		return fmt.Errorf("no stored session and no session.token configured: %w", session.ErrNoSession)
	}
	return d.sess.Init(ctx, cfg.Principal())
}

// Logout stops the node and clears the persisted principal.
func (d *Daemon) Logout(ctx context.Context) error {
	d.node.Close()
	return d.sess.Clear(ctx)
}

func (d *Daemon) Close() {
	if d.node != nil {
		d.node.Close()
	}
	if d.rdb != nil {
		d.rdb.Close()
	}
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
