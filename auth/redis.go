package auth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/chatrelay/registry"
)

// DefaultRedisKeyPrefix namespaces the credential hashes.
const DefaultRedisKeyPrefix = "chatrelay:credential:"

// RedisAuthenticator looks credentials up in a Redis token store maintained
// by the external authentication service. Each valid credential is a hash
// at {prefix}{Digest(credential)} with fields "id" and "username".
type RedisAuthenticator struct {
	client *redis.Client
	prefix string
}

// NewRedisAuthenticator returns an authenticator over client.
//
// Parameters:
//   - client: Connected Redis client
//   - prefix: Key prefix; empty means DefaultRedisKeyPrefix
//
// Returns:
//   - The authenticator
func NewRedisAuthenticator(client *redis.Client, prefix string) *RedisAuthenticator {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	return &RedisAuthenticator{client: client, prefix: prefix}
}

// Key returns the Redis key holding credential's identity.
func (a *RedisAuthenticator) Key(credential string) string {
	return a.prefix + Digest(credential)
}

// Authenticate implements Authenticator. A missing key is a rejection; a
// Redis failure or a malformed record is returned as an error.
func (a *RedisAuthenticator) Authenticate(ctx context.Context, credential string) (registry.Identity, error) {
	if credential == "" {
		return registry.Identity{}, Reject()
	}

	fields, err := a.client.HGetAll(ctx, a.Key(credential)).Result()
	if err != nil {
		return registry.Identity{}, fmt.Errorf("redis credential lookup: %w", err)
	}

	if len(fields) == 0 {
		return registry.Identity{}, Reject()
	}

	id, err := strconv.Atoi(fields["id"])
	if err != nil {
		return registry.Identity{}, fmt.Errorf("redis credential record has invalid id %q: %w", fields["id"], err)
	}

	return registry.Identity{ID: id, Username: fields["username"]}, nil
}
