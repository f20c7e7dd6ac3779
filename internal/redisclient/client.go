// Copyright 2025 James Ross
// Package redisclient constructs the pooled go-redis client shared by every
// pipeline role.
package redisclient

import (
	"runtime"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured redis client with pooling and retries sized off
// the configured minimum idle connections and the host's CPU count.
func New(cfg *config.Config) *redis.Client {
	poolSize := cfg.Redis.MinIdleConns * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
}
