package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// DynamicUpdater applies a setting to a running component.
type DynamicUpdater interface {
	CanUpdate(key string) bool
	ApplyUpdate(key string, value interface{}) error
	RollbackUpdate(key string, oldValue interface{}) error
}

// DynamicConfigManager serializes live updates. A change is applied through
// the first updater that accepts its key and only stored once applied; a
// failed apply is rolled back and the stored value is kept.
type DynamicConfigManager struct {
	manager     *ConfigManager
	updaters    map[string]DynamicUpdater
	mu          sync.RWMutex
	updateQueue chan UpdateRequest
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	startOnce   sync.Once
}

type UpdateRequest struct {
	Key      string
	Value    interface{}
	Source   SourceKind
	Response chan UpdateResponse
}

type UpdateResponse struct {
	Success  bool
	Applied  bool
	Error    error
	OldValue interface{}
	NewValue interface{}
}

func NewDynamicConfigManager(manager *ConfigManager) *DynamicConfigManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DynamicConfigManager{
		manager:     manager,
		updaters:    make(map[string]DynamicUpdater),
		updateQueue: make(chan UpdateRequest, 100),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (d *DynamicConfigManager) RegisterUpdater(name string, updater DynamicUpdater) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updaters[name] = updater
}

func (d *DynamicConfigManager) Start() {
	d.startOnce.Do(func() {
		go d.processUpdates()
	})
}

func (d *DynamicConfigManager) Stop() {
	d.cancel()
	d.startOnce.Do(func() { close(d.done) })
	<-d.done
}

// Update queues a change and waits for its outcome.
func (d *DynamicConfigManager) Update(ctx context.Context, key string, value interface{}, source SourceKind) (UpdateResponse, error) {
	request := UpdateRequest{
		Key:      key,
		Value:    value,
		Source:   source,
		Response: make(chan UpdateResponse, 1),
	}
	if d.ctx.Err() != nil {
		return UpdateResponse{}, fmt.Errorf("update %s: dynamic config stopped", key)
	}
	select {
	case d.updateQueue <- request:
	case <-ctx.Done():
		return UpdateResponse{}, ctx.Err()
	case <-d.ctx.Done():
		return UpdateResponse{}, fmt.Errorf("update %s: dynamic config stopped", key)
	}

	select {
	case response := <-request.Response:
		return response, response.Error
	case <-ctx.Done():
		return UpdateResponse{}, ctx.Err()
	case <-d.ctx.Done():
		return UpdateResponse{}, fmt.Errorf("update %s: dynamic config stopped", key)
	}
}

// ApplyChanges runs each change through Update and aggregates failures.
func (d *DynamicConfigManager) ApplyChanges(ctx context.Context, changes []ConfigChange) error {
	var errs error
	for _, change := range changes {
		if _, err := d.Update(ctx, change.Key, change.NewValue, change.Source); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (d *DynamicConfigManager) processUpdates() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case request := <-d.updateQueue:
			d.processUpdate(request)
		}
	}
}

func (d *DynamicConfigManager) updaterFor(key string) DynamicUpdater {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.updaters {
		if u.CanUpdate(key) {
			return u
		}
	}
	return nil
}

func (d *DynamicConfigManager) processUpdate(request UpdateRequest) {
	logger := d.manager.logger
	oldValue, _ := d.manager.Get(request.Key)
	response := UpdateResponse{OldValue: oldValue, NewValue: request.Value}

	updater := d.updaterFor(request.Key)
	if updater == nil {
		logger.Info("Setting changed, takes effect on restart", "key", request.Key, "value", request.Value)
	} else if err := updater.ApplyUpdate(request.Key, request.Value); err != nil {
		if oldValue != nil {
			if rollbackErr := updater.RollbackUpdate(request.Key, oldValue); rollbackErr != nil {
				logger.Error(rollbackErr, "Failed to rollback update", "key", request.Key)
			}
		}
		response.Error = &ConfigError{Key: request.Key, Message: "apply failed", Err: err}
		d.sendResponse(request, response)
		return
	} else {
		response.Applied = true
	}

	if err := d.manager.Set(request.Key, request.Value, request.Source); err != nil {
		if response.Applied && oldValue != nil {
			if rollbackErr := updater.RollbackUpdate(request.Key, oldValue); rollbackErr != nil {
				logger.Error(rollbackErr, "Failed to rollback update", "key", request.Key)
			}
		}
		response.Applied = false
		response.Error = err
	} else {
		response.Success = true
		logger.V(1).Info("Setting updated", "key", request.Key, "old", oldValue, "new", request.Value)
	}
	d.sendResponse(request, response)
}

func (d *DynamicConfigManager) sendResponse(request UpdateRequest, response UpdateResponse) {
	select {
	case request.Response <- response:
	default:
		d.manager.logger.Info("Failed to send update response", "key", request.Key)
	}
}

// ComponentUpdater routes keys equal to or below one of its keys to the
// apply function. Rollback re-applies the old value unless rollbackFunc is
// set.
type ComponentUpdater struct {
	name         string
	keys         []string
	applyFunc    func(key string, value interface{}) error
	rollbackFunc func(key string, oldValue interface{}) error
}

func NewComponentUpdater(name string, keys []string, apply func(key string, value interface{}) error) *ComponentUpdater {
	return &ComponentUpdater{name: name, keys: keys, applyFunc: apply}
}

func (c *ComponentUpdater) Name() string {
	return c.name
}

func (c *ComponentUpdater) CanUpdate(key string) bool {
	for _, k := range c.keys {
		if k == key || strings.HasPrefix(key, k+".") {
			return true
		}
	}
	return false
}

func (c *ComponentUpdater) ApplyUpdate(key string, value interface{}) error {
	if c.applyFunc != nil {
		return c.applyFunc(key, value)
	}
	return nil
}

func (c *ComponentUpdater) RollbackUpdate(key string, oldValue interface{}) error {
	if c.rollbackFunc != nil {
		return c.rollbackFunc(key, oldValue)
	}
	return c.ApplyUpdate(key, oldValue)
}

// updateTimeout bounds how long a file reload waits for the update queue.
const updateTimeout = 5 * time.Second
