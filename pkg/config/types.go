package config

import (
	"fmt"
	"time"
)

type SourceKind int

const (
	SourceDefault SourceKind = iota
	SourceFile
	SourceEnvironment
	SourceDynamic
)

var sourceKindNames = [...]string{
	"default",
	"file",
	"environment",
	"dynamic",
}

func (s SourceKind) String() string {
	if s < 0 || int(s) >= len(sourceKindNames) {
		return fmt.Sprintf("SourceKind(%d)", int(s))
	}
	return sourceKindNames[s]
}

type ConfigValue struct {
	Value     interface{}
	Source    SourceKind
	Priority  int
	IsDefault bool
	Timestamp time.Time
}

type ConfigChange struct {
	Key       string
	OldValue  interface{}
	NewValue  interface{}
	Source    SourceKind
	Timestamp time.Time
}

type ConfigWatcher interface {
	OnConfigChange(change ConfigChange)
}

// WatcherFunc adapts a function to ConfigWatcher.
type WatcherFunc func(change ConfigChange)

func (f WatcherFunc) OnConfigChange(change ConfigChange) {
	f(change)
}

type ConfigValidator interface {
	Validate(key string, value interface{}) error
}

type ConfigError struct {
	Key     string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error for key %s: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("config error for key %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
