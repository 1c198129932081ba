package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

var client *redis.Client

// SetupCache initializes the connection to the Dragonfly cache server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Password:     env.GetEnv("CACHE_PASSWORD", ""),
		DB:           env.GetEnvInt("CACHE_DB", 0),
		DialTimeout:  env.GetEnvDuration("CACHE_DIAL_TIMEOUT", 2*time.Second),
		ReadTimeout:  env.GetEnvDuration("CACHE_READ_TIMEOUT", time.Second),
		WriteTimeout: env.GetEnvDuration("CACHE_WRITE_TIMEOUT", time.Second),
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Dragonfly cache: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to Dragonfly cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the shared client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
