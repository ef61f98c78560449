package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads skill metadata from Redis hashes. Layout:
//
//	<prefix>:<namespace>:<name>:meta  hash {name, description, required_env, ...}
//	<prefix>:<namespace>:<name>:body  string
//
// Scans enumerate meta keys only; bodies are fetched by the loader.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSource creates a Redis-backed source. prefix defaults to
// "skills".
func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "skills"
	}
	return &RedisSource{client: client, prefix: prefix}
}

func (s *RedisSource) metaKey(namespace, name string) string {
	return fmt.Sprintf("%s:%s:%s:meta", s.prefix, namespace, name)
}

func (s *RedisSource) bodyKey(namespace, name string) string {
	return fmt.Sprintf("%s:%s:%s:body", s.prefix, namespace, name)
}

// Scan enumerates meta hashes for the namespace.
func (s *RedisSource) Scan(ctx context.Context, namespace string) ([]*Skill, error) {
	pattern := s.metaKey(namespace, "*")
	var skills []*Skill
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		name := nameFromMetaKey(key, s.prefix, namespace)
		if name == "" {
			continue
		}
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read skill meta %s: %w", key, err)
		}
		skill, err := s.fromFields(namespace, name, fields)
		if err != nil {
			continue
		}
		skills = append(skills, skill)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan redis skills: %w", err)
	}
	return skills, nil
}

func nameFromMetaKey(key, prefix, namespace string) string {
	lead := prefix + ":" + namespace + ":"
	if !strings.HasPrefix(key, lead) || !strings.HasSuffix(key, ":meta") {
		return ""
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, lead), ":meta")
	if strings.Contains(name, ":") || !slugRe.MatchString(name) {
		return ""
	}
	return name
}

func (s *RedisSource) fromFields(namespace, name string, fields map[string]string) (*Skill, error) {
	description := fields["description"]
	if description == "" {
		return nil, fmt.Errorf("skill %s/%s has no description", namespace, name)
	}
	var requiredEnv []string
	if raw := fields["required_env"]; raw != "" {
		for _, key := range strings.Split(raw, ",") {
			if key = strings.TrimSpace(key); key != "" {
				requiredEnv = append(requiredEnv, key)
			}
		}
	}
	metadata := map[string]string{}
	for k, v := range fields {
		switch k {
		case "name", "description", "required_env":
		default:
			metadata[k] = v
		}
	}
	bodyKey := s.bodyKey(namespace, name)
	client := s.client
	return &Skill{
		Namespace:       namespace,
		Name:            name,
		Description:     description,
		RequiredEnvVars: requiredEnv,
		Metadata:        metadata,
		Loader: func(ctx context.Context) ([]byte, error) {
			body, err := client.Get(ctx, bodyKey).Bytes()
			if err != nil {
				return nil, fmt.Errorf("load skill body %s: %w", bodyKey, err)
			}
			return body, nil
		},
	}, nil
}
