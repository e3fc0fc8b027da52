package app

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives a custom command or option request's parameter
// vector and returns a response string.
type Handler func(params []string) (string, error)

// handlerRegistry is a string-keyed, multi-valued registry of Handlers:
// more than one handler may be registered under the same name, and
// dispatching a name invokes all of them, accumulating their responses.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string][]Handler)}
}

func (r *handlerRegistry) register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], h)
}

// dispatch invokes every handler registered under name with params,
// returning their responses in registration order. Errors from
// individual handlers are joined rather than short-circuiting the rest.
// Each call gets its own request id so a failing handler's log line can
// be correlated back to the dispatch that triggered it.
func (r *handlerRegistry) dispatch(name string, params []string) ([]string, error) {
	requestID := uuid.NewString()

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[name]...)
	r.mu.RUnlock()

	var responses []string
	var errs []error
	for _, h := range handlers {
		resp, err := h(params)
		if err != nil {
			errs = append(errs, err)
			if r.logger != nil {
				r.logger.Warn("command handler failed", "name", name, "request_id", requestID, "error", err)
			}
			continue
		}
		responses = append(responses, resp)
	}
	return responses, errors.Join(errs...)
}
