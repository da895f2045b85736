package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStats is a point-in-time snapshot of the connection pool.
type PoolStats struct {
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	Idle       int   `json:"idle"`
	MaxOpen    int   `json:"max_open"`
	WaitCount  int64 `json:"wait_count"`
	WaitMillis int64 `json:"wait_ms"`
}

// HealthStatus reports database reachability with pool statistics.
type HealthStatus struct {
	Status string    `json:"status"`
	PingMS int64     `json:"ping_ms"`
	Pool   PoolStats `json:"pool"`
}

// Health pings the database and snapshots the pool. On ping failure the
// returned status still carries the measured latency alongside the error.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	pingMS := time.Since(start).Milliseconds()

	if err != nil {
		return &HealthStatus{Status: "unhealthy", PingMS: pingMS}, err
	}

	s := db.Stats()
	return &HealthStatus{
		Status: "healthy",
		PingMS: pingMS,
		Pool: PoolStats{
			Open:       s.OpenConnections,
			InUse:      s.InUse,
			Idle:       s.Idle,
			MaxOpen:    s.MaxOpenConnections,
			WaitCount:  s.WaitCount,
			WaitMillis: s.WaitDuration.Milliseconds(),
		},
	}, nil
}
