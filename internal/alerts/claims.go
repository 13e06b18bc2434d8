package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// dispatchClaims 派发占用：防止并发重试扫描对同一条通知重复派发
// SETNX + TTL，占用随扫描结束释放或到期自动失效
type dispatchClaims struct {
	client *redis.Client
	ttl    time.Duration
}

func newDispatchClaims(client *redis.Client, ttl time.Duration) *dispatchClaims {
	return &dispatchClaims{
		client: client,
		ttl:    ttl,
	}
}

func (c *dispatchClaims) key(alertID string) string {
	return fmt.Sprintf("forten:alert:claim:%s", alertID)
}

// Acquire 尝试占用通知，返回 false 表示已被其它扫描占用
func (c *dispatchClaims) Acquire(ctx context.Context, alertID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(alertID), time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire dispatch claim: %w", err)
	}
	return ok, nil
}

// Release 释放占用
func (c *dispatchClaims) Release(ctx context.Context, alertID string) {
	_ = c.client.Del(ctx, c.key(alertID)).Err()
}
