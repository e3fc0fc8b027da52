package app

import "context"

// Module is one pluggable unit of app lifecycle behavior. Modules are
// driven in registration order for setup/init, concurrently for stop, and
// in reverse order for cleanup.
type Module interface {
	Name() string
	Setup(ctx context.Context, conf Config) error
	Init(ctx context.Context) error
	Reload(ctx context.Context) error
	Tick(ctx context.Context) error
	Stop(ctx context.Context) error
	Timeout(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// InitTimeoutRequester is implemented by modules whose Setup wants a
// longer init deadline than the app default.
type InitTimeoutRequester interface {
	InitTimeout() (timeout int64, ok bool)
}

// BaseModule is embeddable by modules that don't need every lifecycle
// hook; each method is a no-op unless overridden by the embedder's own
// method of the same name shadowing it.
type BaseModule struct {
	ModuleName string
}

func (m *BaseModule) Name() string                             { return m.ModuleName }
func (m *BaseModule) Setup(ctx context.Context, conf Config) error { return nil }
func (m *BaseModule) Init(ctx context.Context) error            { return nil }
func (m *BaseModule) Reload(ctx context.Context) error          { return nil }
func (m *BaseModule) Tick(ctx context.Context) error            { return nil }
func (m *BaseModule) Stop(ctx context.Context) error            { return nil }
func (m *BaseModule) Timeout(ctx context.Context) error         { return nil }
func (m *BaseModule) Cleanup(ctx context.Context) error         { return nil }
