package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one of the engine's connections now and then
// so transactions die mid-flight. The pool used here is never the engine's,
// so its own backend survives.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database() AND pid <> pg_backend_pid()
                                         AND application_name = 'guildhall-stress'
                                       ORDER BY random() LIMIT 1`)
			}
		}
	}
}
