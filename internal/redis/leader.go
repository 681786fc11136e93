package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by RenewLease when this instance lost the lock.
var ErrNotLeader = errors.New("not leader")

// LeaderElection implements single-leader election with SETNX. The leader
// holds a key with a TTL; if it crashes, the key expires and another
// instance takes over. Used to keep the periodic widget updater from
// running on every instance at once.
type LeaderElection struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeaderElection(rdb *goredis.Client, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{rdb: rdb, instanceID: instanceID, key: key, ttl: ttl}
}

// TryBecomeLeader attempts to acquire leadership. Returns true if this
// instance now holds the lock.
func (l *LeaderElection) TryBecomeLeader(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// RenewLease extends the TTL. Fails with ErrNotLeader when another
// instance holds the lock. Call every ttl/2 while leading.
func (l *LeaderElection) RenewLease(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
	`

	result, err := l.rdb.Eval(ctx, script, []string{l.key}, l.instanceID, int(l.ttl.Seconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return ErrNotLeader
	}
	return nil
}

// ReleaseLease gives up leadership during graceful shutdown. Deleting is
// conditional on still being the holder.
func (l *LeaderElection) ReleaseLease(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`

	return l.rdb.Eval(ctx, script, []string{l.key}, l.instanceID).Err()
}
