package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Wire format:
//
//	instance:{id}           string, JSON InstanceRecord, TTL = InstanceTTL
//	queue:{key}             list, JSON items, oldest at the tail
//	leader                  string = holder instance ID, TTL per acquire
//	global:{kind}:pool_size integer counter, TTL = CounterTTL
const (
	instanceKeyPrefix = "instance:"
	queueKeyPrefix    = "queue:"
	leaderKey         = "leader"
	counterKeyPrefix  = "global:"
	counterKeySuffix  = ":pool_size"
)

// releaseScript deletes the leadership key only when the caller still holds
// it, so an instance whose lease already lapsed cannot release a successor's
// lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis-backed coordinator.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// OpTimeout bounds every network operation; a timeout is treated as
	// backend-unavailable.
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"`
	// InstanceTTL is the registry heartbeat window.
	InstanceTTL time.Duration `yaml:"instance_ttl" json:"instance_ttl"`
	// CounterTTL bounds the staleness of global pool counters.
	CounterTTL time.Duration `yaml:"counter_ttl" json:"counter_ttl"`
	// ScanCount is the SCAN batch size for instance enumeration.
	ScanCount int64 `yaml:"scan_count" json:"scan_count"`
}

// DefaultRedisConfig returns the default coordinator wiring: 2s operation
// timeout, 60s heartbeat TTL, 300s counter TTL.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		OpTimeout:   2 * time.Second,
		InstanceTTL: 60 * time.Second,
		CounterTTL:  300 * time.Second,
		ScanCount:   100,
	}
}

// RedisBackend implements Backend on a single Redis instance. All methods
// fail soft; unavailability is logged once per reconnect cycle to avoid log
// storms and a reconnect is attempted transparently before any operation is
// given up on.
type RedisBackend struct {
	cfg    RedisConfig
	logger *zap.Logger

	mu       sync.Mutex
	client   *redis.Client
	degraded bool
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates the backend. Construction never fails on an
// unreachable server; the first operation will probe and degrade softly.
func NewRedisBackend(cfg RedisConfig, logger *zap.Logger) *RedisBackend {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.InstanceTTL <= 0 {
		cfg.InstanceTTL = 60 * time.Second
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = 300 * time.Second
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBackend{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis_coordinator")),
		client: newClient(cfg),
	}
}

func newClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.OpTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})
}

// opContext applies the operation timeout on top of the caller's context.
func (b *RedisBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.cfg.OpTimeout)
}

// ensure verifies connectivity, rebuilding the client once before giving
// up. Returns the client to use, or nil when the backend is unavailable.
func (b *RedisBackend) ensure(ctx context.Context) *redis.Client {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if err := client.Ping(ctx).Err(); err == nil {
		b.recovered()
		return client
	}

	// One transparent reconnect attempt.
	fresh := newClient(b.cfg)
	if err := fresh.Ping(ctx).Err(); err != nil {
		_ = fresh.Close()
		b.degrade(err)
		return nil
	}

	b.mu.Lock()
	old := b.client
	b.client = fresh
	b.mu.Unlock()
	_ = old.Close()

	b.recovered()
	return fresh
}

// degrade records unavailability, logging only on the transition so a dead
// backend does not storm the logs.
func (b *RedisBackend) degrade(err error) {
	b.mu.Lock()
	first := !b.degraded
	b.degraded = true
	b.mu.Unlock()

	if first {
		b.logger.Warn("coordinator unavailable, operating standalone", zap.Error(err))
	}
}

func (b *RedisBackend) recovered() {
	b.mu.Lock()
	was := b.degraded
	b.degraded = false
	b.mu.Unlock()

	if was {
		b.logger.Info("coordinator connection restored")
	}
}

// fail absorbs an operation error into the degraded state. Context
// cancellation from the caller is not a backend failure.
func (b *RedisBackend) fail(op string, err error) {
	if err == nil || err == redis.Nil {
		return
	}
	b.degrade(err)
	b.logger.Debug("coordinator operation failed", zap.String("op", op), zap.Error(err))
}

func instanceKey(id string) string { return instanceKeyPrefix + id }
func queueKey(key string) string   { return queueKeyPrefix + key }
func counterKey(kind string) string {
	return counterKeyPrefix + kind + counterKeySuffix
}

// RegisterInstance implements Backend.
func (b *RedisBackend) RegisterInstance(ctx context.Context, rec InstanceRecord) bool {
	return b.writeInstance(ctx, rec)
}

// UpdateInstance implements Backend. Registration and heartbeat share the
// same upsert; both refresh the TTL.
func (b *RedisBackend) UpdateInstance(ctx context.Context, rec InstanceRecord) bool {
	return b.writeInstance(ctx, rec)
}

func (b *RedisBackend) writeInstance(ctx context.Context, rec InstanceRecord) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	rec.LastSeen = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		b.logger.Error("instance record not serializable", zap.Error(err))
		return false
	}

	if err := client.Set(ctx, instanceKey(rec.InstanceID), payload, b.cfg.InstanceTTL).Err(); err != nil {
		b.fail("register_instance", err)
		return false
	}
	return true
}

// UnregisterInstance implements Backend.
func (b *RedisBackend) UnregisterInstance(ctx context.Context, instanceID string) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	if err := client.Del(ctx, instanceKey(instanceID)).Err(); err != nil {
		b.fail("unregister_instance", err)
		return false
	}
	return true
}

// GetActiveInstances implements Backend. Expired records are already gone
// from Redis; records that fail to decode are skipped.
func (b *RedisBackend) GetActiveInstances(ctx context.Context) []InstanceRecord {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return nil
	}

	var records []InstanceRecord
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, instanceKeyPrefix+"*", b.cfg.ScanCount).Result()
		if err != nil {
			b.fail("get_active_instances", err)
			return nil
		}

		for _, key := range keys {
			raw, err := client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				b.fail("get_active_instances", err)
				return nil
			}
			var rec InstanceRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				b.logger.Warn("skipping undecodable instance record",
					zap.String("key", key), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return records
}

// AcquireLeadership implements Backend. A set-if-absent claims the lease;
// re-acquisition by the current holder refreshes the TTL and succeeds.
func (b *RedisBackend) AcquireLeadership(ctx context.Context, instanceID string, ttl time.Duration) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	ok, err := client.SetNX(ctx, leaderKey, instanceID, ttl).Result()
	if err != nil {
		b.fail("acquire_leadership", err)
		return false
	}
	if ok {
		return true
	}

	holder, err := client.Get(ctx, leaderKey).Result()
	if err == redis.Nil {
		// Lease lapsed between SETNX and GET; claim on the next tick.
		return false
	}
	if err != nil {
		b.fail("acquire_leadership", err)
		return false
	}
	if holder != instanceID {
		return false
	}

	// Idempotent renewal by the current holder.
	if err := client.Expire(ctx, leaderKey, ttl).Err(); err != nil {
		b.fail("acquire_leadership", err)
		return false
	}
	return true
}

// ReleaseLeadership implements Backend via compare-and-delete.
func (b *RedisBackend) ReleaseLeadership(ctx context.Context, instanceID string) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	deleted, err := releaseScript.Run(ctx, client, []string{leaderKey}, instanceID).Int()
	if err != nil {
		b.fail("release_leadership", err)
		return false
	}
	return deleted == 1
}

// CurrentLeader implements Backend.
func (b *RedisBackend) CurrentLeader(ctx context.Context) string {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return ""
	}

	holder, err := client.Get(ctx, leaderKey).Result()
	if err == redis.Nil {
		return ""
	}
	if err != nil {
		b.fail("current_leader", err)
		return ""
	}
	return holder
}

// Push implements Backend.
func (b *RedisBackend) Push(ctx context.Context, key string, item interface{}) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	payload, err := json.Marshal(item)
	if err != nil {
		b.logger.Error("queue item not serializable", zap.String("queue", key), zap.Error(err))
		return false
	}

	if err := client.LPush(ctx, queueKey(key), payload).Err(); err != nil {
		b.fail("push", err)
		return false
	}
	return true
}

// Pop implements Backend. The FIFO tail is popped; a positive timeout uses
// a blocking pop and is the only intentionally blocking coordinator call.
func (b *RedisBackend) Pop(ctx context.Context, key string, timeout time.Duration, dest interface{}) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc
	if timeout <= 0 {
		ctx, cancel = b.opContext(ctx)
	} else {
		// Blocking pop: allow the block plus one op timeout of slack.
		ctx, cancel = context.WithTimeout(ctx, timeout+b.cfg.OpTimeout)
	}
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	var raw string
	if timeout <= 0 {
		val, err := client.RPop(ctx, queueKey(key)).Result()
		if err == redis.Nil {
			return false
		}
		if err != nil {
			b.fail("pop", err)
			return false
		}
		raw = val
	} else {
		vals, err := client.BRPop(ctx, timeout, queueKey(key)).Result()
		if err == redis.Nil {
			return false
		}
		if err != nil {
			b.fail("pop", err)
			return false
		}
		if len(vals) != 2 {
			return false
		}
		raw = vals[1]
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		b.logger.Warn("dropping undecodable queue item", zap.String("queue", key), zap.Error(err))
		return false
	}
	return true
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string, dest interface{}) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	raw, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		b.fail("get", err)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		b.logger.Warn("dropping undecodable value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	payload, err := json.Marshal(value)
	if err != nil {
		b.logger.Error("value not serializable", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := client.Set(ctx, key, payload, ttl).Err(); err != nil {
		b.fail("set", err)
		return false
	}
	return true
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return false
	}

	if err := client.Del(ctx, key).Err(); err != nil {
		b.fail("delete", err)
		return false
	}
	return true
}

// AdjustCounter implements Backend. Each delta refreshes the counter TTL so
// an abandoned counter ages out.
func (b *RedisBackend) AdjustCounter(ctx context.Context, kind string, delta int64) int64 {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return 0
	}

	key := counterKey(kind)
	value, err := client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		b.fail("adjust_counter", err)
		return 0
	}
	if err := client.Expire(ctx, key, b.cfg.CounterTTL).Err(); err != nil {
		b.fail("adjust_counter", err)
	}
	return value
}

// GetCounter implements Backend.
func (b *RedisBackend) GetCounter(ctx context.Context, kind string) int64 {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	client := b.ensure(ctx)
	if client == nil {
		return 0
	}

	value, err := client.Get(ctx, counterKey(kind)).Int64()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		b.fail("get_counter", err)
		return 0
	}
	return value
}

// IsConnected implements Backend.
func (b *RedisBackend) IsConnected(ctx context.Context) bool {
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	return b.ensure(ctx) != nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client.Close()
}

// IsReservedKey reports whether key is one of the coordinator's reserved
// keys. Hosting applications using the generic Get/Set escape hatch should
// avoid these.
func IsReservedKey(key string) bool {
	return key == leaderKey ||
		strings.HasPrefix(key, instanceKeyPrefix) ||
		strings.HasPrefix(key, queueKeyPrefix) ||
		strings.HasPrefix(key, counterKeyPrefix)
}
