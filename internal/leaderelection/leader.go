// Package leaderelection provides optional single-runner mode on top
// of a Postgres advisory lock. Leases remain the correctness guard;
// election only avoids wasted lease contention when operators prefer
// one active engine.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// DefaultLockKey identifies the engine's advisory lock. One key per
// deployment shares leadership across all instances.
const DefaultLockKey int64 = 0x7265706f72746e67 // "reportng"

type Config struct {
	LockKey       int64
	RetryInterval time.Duration
	PingInterval  time.Duration
}

func (c *Config) fillDefaults() {
	if c.LockKey == 0 {
		c.LockKey = DefaultLockKey
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 15 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
}

type Elector struct {
	cfg Config
	db  *sql.DB
}

func New(cfg Config, db *sql.DB) *Elector {
	cfg.fillDefaults()
	return &Elector{cfg: cfg, db: db}
}

// Run campaigns for leadership and invokes fn while leading. fn's
// context is cancelled when leadership is lost; Run then campaigns
// again. Run returns when ctx is cancelled.
func (e *Elector) Run(ctx context.Context, fn func(ctx context.Context)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, acquired, err := e.tryAcquire(ctx)
		if err != nil {
			log.Printf("leaderelection: acquire: %v", err)
		}
		if !acquired {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryInterval):
			}
			continue
		}

		log.Println("leaderelection: became leader")
		e.lead(ctx, conn, fn)
		log.Println("leaderelection: lost leadership")
	}
}

// tryAcquire takes a dedicated connection and attempts the advisory
// lock on it. The lock lives as long as the connection does.
func (e *Elector) tryAcquire(ctx context.Context) (*sql.Conn, bool, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, e.cfg.LockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, err
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

// lead runs fn while pinging the lock connection. A failed ping means
// the session, and with it the lock, is gone.
func (e *Elector) lead(ctx context.Context, conn *sql.Conn, fn func(ctx context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(leaderCtx)
	}()

	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			e.release(conn)
			return
		case <-done:
			e.release(conn)
			return
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				log.Printf("leaderelection: lock connection lost: %v", err)
				cancel()
				<-done
				conn.Close()
				return
			}
		}
	}
}

func (e *Elector) release(conn *sql.Conn) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(releaseCtx, `SELECT pg_advisory_unlock($1)`, e.cfg.LockKey); err != nil {
		log.Printf("leaderelection: unlock: %v", err)
	}
	conn.Close()
}
