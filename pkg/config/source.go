package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type ConfigSource interface {
	Name() string
	Kind() SourceKind
	Load(ctx context.Context) (map[string]interface{}, error)
	Priority() int
}

// FileSource reads JSON or YAML files. Later paths override earlier ones and
// missing files are skipped.
type FileSource struct {
	paths    []string
	priority int
}

func NewFileSource(paths []string, priority int) *FileSource {
	return &FileSource{
		paths:    paths,
		priority: priority,
	}
}

func (f *FileSource) Name() string {
	return "file"
}

func (f *FileSource) Kind() SourceKind {
	return SourceFile
}

func (f *FileSource) Priority() int {
	return f.priority
}

func (f *FileSource) Paths() []string {
	return f.paths
}

func (f *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for _, path := range f.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		format, err := FormatForPath(path)
		if err != nil {
			return nil, err
		}
		config, err := format.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %s: %w", path, err)
		}
		result = mergeMaps(result, config)
	}
	return result, nil
}

// EnvironmentSource maps PREFIX_A__B_C=v to the key a.b_c. A double
// underscore separates levels so single underscores survive in key names.
type EnvironmentSource struct {
	prefix   string
	priority int
	environ  func() []string
}

func NewEnvironmentSource(prefix string, priority int) *EnvironmentSource {
	return &EnvironmentSource{
		prefix:   prefix,
		priority: priority,
		environ:  os.Environ,
	}
}

func (e *EnvironmentSource) Name() string {
	return "environment"
}

func (e *EnvironmentSource) Kind() SourceKind {
	return SourceEnvironment
}

func (e *EnvironmentSource) Priority() int {
	return e.priority
}

func (e *EnvironmentSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for _, env := range e.environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if e.prefix != "" && !strings.HasPrefix(key, e.prefix) {
			continue
		}

		configKey := strings.ToLower(strings.TrimPrefix(key, e.prefix))
		configKey = strings.ReplaceAll(configKey, "__", ".")
		if configKey == "" {
			continue
		}
		setNestedValue(result, configKey, parseEnvValue(value))
	}
	return result, nil
}

func parseEnvValue(value string) interface{} {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func setNestedValue(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// mergeMaps merges src into dst recursively. Values from src win.
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}
