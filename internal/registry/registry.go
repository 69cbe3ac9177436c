// Package registry records which gateway node owns a device session.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"openfms/atlgateway/internal/protocol"
)

const shadowTTL = 24 * time.Hour

var ErrNotFound = errors.New("session not found")

// SessionInfo locates a device connection
type SessionInfo struct {
	GatewayID string `json:"gateway_id"`
	ConnID    string `json:"conn_id"`
	ClientIP  string `json:"client_ip"`
}

// Store is the session registry used by the TCP server
type Store interface {
	Register(ctx context.Context, deviceID string, info SessionInfo) error
	Touch(ctx context.Context, deviceID string) error
	UpdateShadow(ctx context.Context, msg *protocol.StandardMessage) error
	Lookup(ctx context.Context, deviceID string) (SessionInfo, error)
	Remove(ctx context.Context, deviceID string) error
}

// RedisStore keeps sessions in Redis
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis backed registry
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// SessionKey is the Redis key holding a device's session
func SessionKey(deviceID string) string {
	return fmt.Sprintf("fms:sess:%s", deviceID)
}

// ShadowKey is the Redis hash holding a device's last known state
func ShadowKey(deviceID string) string {
	return fmt.Sprintf("fms:shadow:%s", deviceID)
}

// Encode renders info as gateway:conn:ip
func (i SessionInfo) Encode() string {
	return fmt.Sprintf("%s:%s:%s", i.GatewayID, i.ConnID, i.ClientIP)
}

// ParseSessionInfo reverses SessionInfo.Encode. The client address may
// itself contain colons.
func ParseSessionInfo(value string) (SessionInfo, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return SessionInfo{}, fmt.Errorf("malformed session value %q", value)
	}
	return SessionInfo{GatewayID: parts[0], ConnID: parts[1], ClientIP: parts[2]}, nil
}

// Register stores the session with the configured TTL
func (s *RedisStore) Register(ctx context.Context, deviceID string, info SessionInfo) error {
	if err := s.client.Set(ctx, SessionKey(deviceID), info.Encode(), s.ttl).Err(); err != nil {
		return fmt.Errorf("register session %s: %w", deviceID, err)
	}
	return nil
}

// Touch extends the session TTL and stamps the shadow's last-seen time
func (s *RedisStore) Touch(ctx context.Context, deviceID string) error {
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, SessionKey(deviceID), s.ttl)
	pipe.HSet(ctx, ShadowKey(deviceID), "ts", time.Now().Unix())
	pipe.Expire(ctx, ShadowKey(deviceID), shadowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch session %s: %w", deviceID, err)
	}
	return nil
}

// UpdateShadow records the last position reported by a device
func (s *RedisStore) UpdateShadow(ctx context.Context, msg *protocol.StandardMessage) error {
	key := ShadowKey(msg.DeviceID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, ShadowFields(msg, time.Now()))
	pipe.Expire(ctx, key, shadowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update shadow %s: %w", msg.DeviceID, err)
	}
	return nil
}

// Lookup finds which gateway holds a device
func (s *RedisStore) Lookup(ctx context.Context, deviceID string) (SessionInfo, error) {
	value, err := s.client.Get(ctx, SessionKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return SessionInfo{}, ErrNotFound
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("lookup session %s: %w", deviceID, err)
	}
	return ParseSessionInfo(value)
}

// Remove deletes the session key
func (s *RedisStore) Remove(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, SessionKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", deviceID, err)
	}
	return nil
}

// ShadowFields flattens the position part of a message for HSET.
// ts is always server time, the device's own fix time goes to fix_ts.
func ShadowFields(msg *protocol.StandardMessage, seen time.Time) map[string]interface{} {
	return map[string]interface{}{
		"ts":        seen.Unix(),
		"fix_ts":    msg.Timestamp,
		"lat":       msg.Lat,
		"lon":       msg.Lon,
		"speed":     msg.Speed,
		"direction": msg.Direction,
		"valid":     msg.Valid,
	}
}
