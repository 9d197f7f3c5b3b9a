package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/redis/go-redis/v9"
)

// RedisPool backs the tunnel address pool with Redis so multiple engine
// instances can allocate from the same subnet. A set of released
// addresses is drained before the per-event counter advances.
type RedisPool struct {
	client *redis.Client
}

func NewRedisPool(client *redis.Client) *RedisPool {
	return &RedisPool{client: client}
}

func (p *RedisPool) Allocate(ctx context.Context, eventName string, subnet netip.Prefix) (netip.Addr, error) {
	v, err := p.client.SPop(ctx, freeKey(eventName)).Result()
	if err == nil {
		addr, perr := netip.ParseAddr(v)
		if perr != nil {
			return netip.Addr{}, fmt.Errorf("corrupt address %q in free pool: %w", v, perr)
		}
		return addr, nil
	}
	if !errors.Is(err, redis.Nil) {
		return netip.Addr{}, fmt.Errorf("failed to pop free address: %w", err)
	}

	n, err := p.client.Incr(ctx, nextKey(eventName)).Result()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to advance address counter: %w", err)
	}

	addr := nthAddr(subnet, uint64(n)+clientOffsetBase-1)
	if !addr.IsValid() {
		return netip.Addr{}, ErrPoolExhausted
	}
	return addr, nil
}

func (p *RedisPool) Release(ctx context.Context, eventName string, addr netip.Addr) error {
	if err := p.client.SAdd(ctx, freeKey(eventName), addr.String()).Err(); err != nil {
		return fmt.Errorf("failed to return address to pool: %w", err)
	}
	return nil
}
