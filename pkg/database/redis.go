package database

import (
	"context"
	"persona-research-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

var RDB *redis.Client

// NewRedis 创建 Redis 客户端并测试连接。
func NewRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// InitRedis 初始化全局 Redis 客户端连接
func InitRedis(addr, password string, db int) {
	client, err := NewRedis(context.Background(), addr, password, db)
	if err != nil {
		log.Fatal("failed to connect to redis", err)
	}
	RDB = client
	log.Info("Redis client connected successfully")
}
