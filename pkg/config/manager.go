package config

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// ConfigManager merges its sources over the registered defaults into a flat
// map of dotted keys. Higher priority sources win.
type ConfigManager struct {
	sources          []ConfigSource
	values           map[string]*ConfigValue
	defaults         map[string]interface{}
	validators       map[string][]ConfigValidator
	prefixValidators map[string][]ConfigValidator
	watchers         map[string][]ConfigWatcher
	mu               sync.RWMutex
	onChange         chan ConfigChange
	logger           logr.Logger
}

func NewConfigManager(logger logr.Logger) *ConfigManager {
	return &ConfigManager{
		sources:          make([]ConfigSource, 0),
		values:           make(map[string]*ConfigValue),
		defaults:         make(map[string]interface{}),
		validators:       make(map[string][]ConfigValidator),
		prefixValidators: make(map[string][]ConfigValidator),
		watchers:         make(map[string][]ConfigWatcher),
		onChange:         make(chan ConfigChange, 100),
		logger:           logger,
	}
}

func (m *ConfigManager) SetLogger(logger logr.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

func (m *ConfigManager) AddSource(source ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sources {
		if s.Priority() == source.Priority() {
			return fmt.Errorf("source %s has the same priority %d as %s", source.Name(), source.Priority(), s.Name())
		}
	}
	m.sources = append(m.sources, source)

	// Keep sources ordered by ascending priority so later ones override.
	for i := len(m.sources) - 1; i > 0; i-- {
		if m.sources[i].Priority() < m.sources[i-1].Priority() {
			m.sources[i], m.sources[i-1] = m.sources[i-1], m.sources[i]
		}
	}
	return nil
}

func (m *ConfigManager) Sources() []ConfigSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSource(nil), m.sources...)
}

func (m *ConfigManager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[key] = value
}

func (m *ConfigManager) AddValidator(key string, validator ConfigValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[key] = append(m.validators[key], validator)
}

// AddPrefixValidator validates every key below prefix, such as each entry
// of the categories table.
func (m *ConfigManager) AddPrefixValidator(prefix string, validator ConfigValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixValidators[prefix] = append(m.prefixValidators[prefix], validator)
}

func (m *ConfigManager) AddWatcher(key string, watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[key] = append(m.watchers[key], watcher)
}

// Load resolves all sources and replaces the current values. Sources that
// fail to load are logged and skipped; validation failures are returned and
// leave the previous values in place.
func (m *ConfigManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	values, srcErr := m.resolve(ctx)
	for _, err := range multierr.Errors(srcErr) {
		m.logger.Error(err, "Failed to load from source")
	}
	if err := m.validate(values); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	m.values = values
	return nil
}

// Check resolves and validates the sources without applying them. Unlike
// Load it also reports sources that failed to load.
func (m *ConfigManager) Check(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, srcErr := m.resolve(ctx)
	return multierr.Append(srcErr, m.validate(values))
}

// Reload resolves the sources again and returns the keys whose value
// differs from the current one. Keys no source sets any more come last with
// a nil NewValue. Nothing is applied; callers commit each change with Set
// once it took effect.
func (m *ConfigManager) Reload(ctx context.Context) ([]ConfigChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, srcErr := m.resolve(ctx)
	if srcErr != nil {
		return nil, srcErr
	}
	if err := m.validate(values); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	now := time.Now()
	var changes []ConfigChange
	for _, key := range sortedKeys(values) {
		next := values[key]
		prev, ok := m.values[key]
		if ok && fmt.Sprint(prev.Value) == fmt.Sprint(next.Value) {
			continue
		}
		change := ConfigChange{Key: key, NewValue: next.Value, Source: next.Source, Timestamp: now}
		if ok {
			change.OldValue = prev.Value
		}
		changes = append(changes, change)
	}
	for _, key := range sortedKeys(m.values) {
		if _, ok := values[key]; ok {
			continue
		}
		prev := m.values[key]
		changes = append(changes, ConfigChange{Key: key, OldValue: prev.Value, Source: prev.Source, Timestamp: now})
	}
	return changes, nil
}

func (m *ConfigManager) resolve(ctx context.Context) (map[string]*ConfigValue, error) {
	values := make(map[string]*ConfigValue, len(m.defaults))
	now := time.Now()
	for key, defaultValue := range m.defaults {
		values[key] = &ConfigValue{
			Value:     defaultValue,
			Source:    SourceDefault,
			IsDefault: true,
			Timestamp: now,
		}
	}

	var errs error
	for _, source := range m.sources {
		config, err := source.Load(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("source %s: %w", source.Name(), err))
			continue
		}
		applyConfig(values, config, source.Kind(), source.Priority(), now)
	}
	return values, errs
}

func applyConfig(values map[string]*ConfigValue, config map[string]interface{}, kind SourceKind, priority int, now time.Time) {
	var flatten func(prefix string, value interface{})
	flatten = func(prefix string, value interface{}) {
		switch v := value.(type) {
		case map[string]interface{}:
			for k, val := range v {
				newPrefix := k
				if prefix != "" {
					newPrefix = prefix + "." + k
				}
				flatten(newPrefix, val)
			}
		default:
			existing, exists := values[prefix]
			if !exists || existing.IsDefault || priority >= existing.Priority {
				values[prefix] = &ConfigValue{
					Value:     v,
					Source:    kind,
					Priority:  priority,
					Timestamp: now,
				}
			}
		}
	}
	flatten("", config)
}

func (m *ConfigManager) validatorsFor(key string) []ConfigValidator {
	validators := m.validators[key]
	for prefix, vs := range m.prefixValidators {
		if strings.HasPrefix(key, prefix+".") {
			validators = append(validators[:len(validators):len(validators)], vs...)
		}
	}
	return validators
}

func (m *ConfigManager) validate(values map[string]*ConfigValue) error {
	keys := make(map[string]struct{}, len(values)+len(m.validators))
	for key := range values {
		keys[key] = struct{}{}
	}
	for key := range m.validators {
		keys[key] = struct{}{}
	}

	var errs error
	for _, key := range sortedKeys(keys) {
		var value interface{}
		if v, ok := values[key]; ok {
			value = v.Value
		}
		for _, validator := range m.validatorsFor(key) {
			if err := validator.Validate(key, value); err != nil {
				errs = multierr.Append(errs, &ConfigError{
					Key:     key,
					Message: "validation failed",
					Err:     err,
				})
			}
		}
	}
	return errs
}

// Set stores a single value after validating it and notifies watchers. A
// nil value unsets the key.
func (m *ConfigManager) Set(key string, value interface{}, source SourceKind) error {
	m.mu.Lock()
	for _, validator := range m.validatorsFor(key) {
		if err := validator.Validate(key, value); err != nil {
			m.mu.Unlock()
			return &ConfigError{Key: key, Message: "validation failed", Err: err}
		}
	}
	change := ConfigChange{Key: key, NewValue: value, Source: source, Timestamp: time.Now()}
	if prev, ok := m.values[key]; ok {
		change.OldValue = prev.Value
	}
	if value == nil {
		delete(m.values, key)
	} else {
		m.values[key] = &ConfigValue{
			Value:     value,
			Source:    source,
			Priority:  math.MaxInt,
			Timestamp: change.Timestamp,
		}
	}
	m.mu.Unlock()

	m.notifyWatchers(change)
	return nil
}

func (m *ConfigManager) notifyWatchers(change ConfigChange) {
	m.mu.RLock()
	watchers := m.watchers[change.Key]
	logger := m.logger
	m.mu.RUnlock()
	for _, watcher := range watchers {
		watcher.OnConfigChange(change)
	}

	select {
	case m.onChange <- change:
	default:
		logger.Info("Config change channel full, dropping change", "key", change.Key)
	}
}

// Watch returns the channel of committed changes. It is buffered and drops
// changes nobody reads.
func (m *ConfigManager) Watch() <-chan ConfigChange {
	return m.onChange
}

func (m *ConfigManager) lookup(key string) (*ConfigValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, &ConfigError{Key: key, Message: "not set"}
	}
	return v, nil
}

func (m *ConfigManager) Get(key string) (interface{}, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}

// Value returns the stored value with its provenance.
func (m *ConfigManager) Value(key string) (ConfigValue, error) {
	v, err := m.lookup(key)
	if err != nil {
		return ConfigValue{}, err
	}
	return *v, nil
}

func (m *ConfigManager) GetString(key string) (string, error) {
	v, err := m.Get(key)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return fmt.Sprint(v), nil
}

func (m *ConfigManager) GetInt(key string) (int, error) {
	v, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := toInt(v)
	if err != nil {
		return 0, &ConfigError{Key: key, Message: "not an integer", Err: err}
	}
	return n, nil
}

func (m *ConfigManager) GetBool(key string) (bool, error) {
	v, err := m.Get(key)
	if err != nil {
		return false, err
	}
	b, err := toBool(v)
	if err != nil {
		return false, &ConfigError{Key: key, Message: "not a boolean", Err: err}
	}
	return b, nil
}

// Keys lists the set keys below prefix, sorted. An empty prefix lists all.
func (m *ConfigManager) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.values {
		if prefix == "" || strings.HasPrefix(key, prefix+".") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns the current values as a nested map, suitable for
// marshaling with a ConfigFormat.
func (m *ConfigManager) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{})
	for key, v := range m.values {
		setNestedValue(out, key, v.Value)
	}
	return out
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v has a fractional part", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int:
		return b != 0, nil
	case int64:
		return b != 0, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("unexpected type %T", v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
