package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/moonguard/capability"
)

const (
	DefaultMaxKeySize   = 256
	DefaultMaxValueSize = 64 << 10 // 64KB
	DefaultMaxEntries   = 1000
)

// ConfigLimits bounds the game config store. Zero fields mean unlimited.
type ConfigLimits struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

// DefaultConfigLimits returns the limits used by the CLI.
func DefaultConfigLimits() ConfigLimits {
	return ConfigLimits{
		MaxKeySize:   DefaultMaxKeySize,
		MaxValueSize: DefaultMaxValueSize,
		MaxEntries:   DefaultMaxEntries,
	}
}

var errNotScalar = errors.New("unsupported value type")

// Config is the game's settings store. Reads need config.read, writes
// need config.write.
type Config struct {
	limits ConfigLimits
	data   map[string]any
	mu     sync.RWMutex
}

// NewConfig returns an empty store.
func NewConfig(limits ConfigLimits) *Config {
	return &Config{limits: limits, data: make(map[string]any)}
}

// Register adds the suite to t.
func (s *Config) Register(t *Table) error {
	return registerAll(t, []entry{
		{capability.ConfigRead, "config.get", Variadic, s.Get},
		{capability.ConfigRead, "config.keys", Variadic, s.Keys},
		{capability.ConfigWrite, "config.set", Variadic, s.Set},
		{capability.ConfigWrite, "config.delete", Variadic, s.Delete},
	})
}

// LoadYAML merges a YAML mapping into the store, subject to the limits.
func (s *Config) LoadYAML(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.put(k, doc[k]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value for a key: config.get(key [, default]).
func (s *Config) Get(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	}
	return val, nil
}

// Keys returns every key in sorted order.
func (s *Config) Keys(ctx context.Context, args []any) (any, error) {
	s.mu.RLock()
	keys := make([]any, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].(string) < keys[j].(string) })
	return keys, nil
}

// Set stores a value: config.set(key, value).
func (s *Config) Set(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 || args[1] == nil {
		return nil, errors.New("value required")
	}
	if err := s.put(key, args[1]); err != nil {
		return nil, err
	}
	return true, nil
}

// Delete removes a key: config.delete(key).
func (s *Config) Delete(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()

	return existed, nil
}

func (s *Config) put(key string, val any) error {
	if key == "" {
		return errors.New("key required")
	}
	if s.limits.MaxKeySize > 0 && len(key) > s.limits.MaxKeySize {
		return fmt.Errorf("key exceeds max size (%d bytes)", s.limits.MaxKeySize)
	}
	val, err := normalize(val)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	if s.limits.MaxValueSize > 0 {
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		if len(encoded) > s.limits.MaxValueSize {
			return fmt.Errorf("value exceeds max size (%d bytes)", s.limits.MaxValueSize)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.limits.MaxEntries > 0 && len(s.data) >= s.limits.MaxEntries {
		return fmt.Errorf("config full (%d entries)", s.limits.MaxEntries)
	}
	s.data[key] = val
	return nil
}

// normalize converts decoded YAML and Go values into the host value set.
func normalize(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, float64, string:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", errNotScalar, v)
	}
}
