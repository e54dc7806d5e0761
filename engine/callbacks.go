package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/tailormesh/model"
)

// CallbackType defines the lifecycle points around a provider call where
// callbacks run.
//
// Callbacks are executed synchronously on the producer goroutine. A
// BeforeModel callback returning an error aborts the call before the provider
// is contacted; errors from the other types are ignored.
type CallbackType string

const (
	// CallbackBeforeModel runs after the request is built and before the
	// provider is called. Use for request inspection or admission checks.
	CallbackBeforeModel CallbackType = "before_model"

	// CallbackAfterModel runs after a successful call with the priced result.
	CallbackAfterModel CallbackType = "after_model"

	// CallbackOnError runs when a call fails, including timeouts.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext describes the call a callback is observing.
type CallbackContext struct {
	SessionID string
	StreamID  string
	Stage     string
	Model     string

	// Request is the provider request. Callbacks must not retain it.
	Request *model.Request

	// Result is set for CallbackAfterModel.
	Result *Result

	// Err is set for CallbackOnError.
	Err error
}

// Callback is a hook executed at one CallbackType.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cc *CallbackContext) error
}

// FunctionCallback adapts a plain function to the Callback interface.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cc *CallbackContext) error
}

// NewFunctionCallback creates a callback running fn at callbackType.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, cc *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, cc *CallbackContext) error {
	return c.fn(ctx, cc)
}

// CallbackManager holds registered callbacks grouped by type. A nil manager
// runs nothing.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// Register adds cb for its type. Callbacks run in registration order.
func (cm *CallbackManager) Register(cb Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
}

// Execute runs the callbacks of callbackType and stops at the first error.
func (cm *CallbackManager) Execute(ctx context.Context, callbackType CallbackType, cc *CallbackContext) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	cbs := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	for _, cb := range cbs {
		if err := cb.Execute(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}
