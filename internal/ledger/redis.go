package ledger

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisLedger keeps balances as integer keys. Accounts are seeded with the
// default balance the first time they are touched.
type RedisLedger struct {
	Client         *goredis.Client
	Prefix         string
	DefaultBalance Amount
}

// deductScript returns {success, balance}; the compare and decrement run atomically on the server.
var deductScript = goredis.NewScript(`
local bal = redis.call('GET', KEYS[1])
if not bal then
  bal = ARGV[2]
  redis.call('SET', KEYS[1], bal)
end
bal = tonumber(bal)
local cost = tonumber(ARGV[1])
if bal < cost then
  return {0, bal}
end
return {1, redis.call('DECRBY', KEYS[1], cost)}
`)

var grantScript = goredis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2], 'NX')
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// NewRedisLedger connects and pings the server.
func NewRedisLedger(ctx context.Context, addr string, defaultBalance Amount) (*RedisLedger, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLedger{Client: client, Prefix: "specline:credits:", DefaultBalance: defaultBalance}, nil
}

func (l *RedisLedger) key(account string) string {
	return l.Prefix + account
}

func (l *RedisLedger) CheckAndDeduct(ctx context.Context, account string, cost Amount) (Result, error) {
	if cost < 0 {
		return Result{}, fmt.Errorf("negative cost %d", cost)
	}
	vals, err := deductScript.Run(ctx, l.Client, []string{l.key(account)}, int64(cost), int64(l.DefaultBalance)).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("deduct credits: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("deduct credits: unexpected reply %v", vals)
	}
	remaining := Amount(vals[1])
	if vals[0] == 0 {
		return Result{Success: false, Remaining: remaining, Message: shortfall(remaining, cost)}, nil
	}
	return Result{Success: true, Remaining: remaining}, nil
}

func (l *RedisLedger) Grant(ctx context.Context, account string, amount Amount) (Amount, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive")
	}
	v, err := grantScript.Run(ctx, l.Client, []string{l.key(account)}, int64(amount), int64(l.DefaultBalance)).Int64()
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return Amount(v), nil
}

func (l *RedisLedger) Balance(ctx context.Context, account string) (Amount, error) {
	key := l.key(account)
	if err := l.Client.SetNX(ctx, key, int64(l.DefaultBalance), 0).Err(); err != nil {
		return 0, fmt.Errorf("seed balance: %w", err)
	}
	v, err := l.Client.Get(ctx, key).Int64()
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return Amount(v), nil
}

func (l *RedisLedger) Close() error {
	return l.Client.Close()
}
