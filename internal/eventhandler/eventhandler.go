// Package eventhandler provides the pluggable handler invoked when a
// runnable's provisioning falls behind its desired count, plus a
// registry of built-ins looked up by the classname named in the
// application spec.
package eventhandler

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"weave/internal/common"
)

// TimeoutEvent describes one runnable that has not reached its desired
// instance count within the current timeout window.
type TimeoutEvent struct {
	RunnableName string
	Expected     int
	Actual       int
	RequestedAt  time.Time
}

// TimeoutAction is the handler's verdict: either "check again in
// Timeout" or, when Timeout is negative, "shut the AM down".
type TimeoutAction struct {
	Timeout time.Duration
}

func Shutdown() TimeoutAction { return TimeoutAction{Timeout: -1} }

// Handler initializes once, reacts to timeout batches, and cleans up on
// AM shutdown.
type Handler interface {
	Initialize(config json.RawMessage) error
	LaunchTimeout(events []TimeoutEvent) (TimeoutAction, error)
	Destroy()
}

// Constructor builds a fresh Handler instance; registered handlers are
// stateless factories so every AM run gets its own instance.
type Constructor func() Handler

// Registry maps classnames to constructors, following the same
// factory-by-string pattern used elsewhere in this codebase for
// pluggable strategies.
type Registry struct {
	constructors map[string]Constructor
	logger       *zap.Logger
}

func NewRegistry() *Registry {
	r := &Registry{
		constructors: make(map[string]Constructor),
		logger:       common.ComponentLogger("eventhandler"),
	}
	r.Register("shutdown-on-timeout", func() Handler { return &shutdownOnTimeout{} })
	r.Register("backoff", func() Handler { return newBackoff() })
	return r
}

func (r *Registry) Register(classname string, ctor Constructor) {
	r.constructors[classname] = ctor
}

// Build looks up classname and constructs a handler; an unknown name
// falls back to "backoff" and logs a warning, matching the error
// handling policy for non-fatal configuration problems.
func (r *Registry) Build(classname string, config json.RawMessage) (Handler, error) {
	ctor, ok := r.constructors[classname]
	if !ok {
		r.logger.Warn("unknown event handler classname, falling back to backoff", zap.String("classname", classname))
		ctor = r.constructors["backoff"]
	}
	h := ctor()
	if err := h.Initialize(config); err != nil {
		return nil, err
	}
	return h, nil
}

// shutdownOnTimeout requests AM shutdown the first time any runnable
// misses its provisioning deadline.
type shutdownOnTimeout struct{}

func (h *shutdownOnTimeout) Initialize(config json.RawMessage) error { return nil }

func (h *shutdownOnTimeout) LaunchTimeout(events []TimeoutEvent) (TimeoutAction, error) {
	if len(events) == 0 {
		return TimeoutAction{Timeout: common.DefaultConfig().DefaultTimeout}, nil
	}
	return Shutdown(), nil
}

func (h *shutdownOnTimeout) Destroy() {}

// backoff doubles its wait interval on every consecutive timeout batch,
// up to a ceiling, and never signals shutdown on its own.
type backoff struct {
	initial time.Duration
	ceiling time.Duration
	current time.Duration
}

func newBackoff() Handler {
	return &backoff{
		initial: 5 * time.Second,
		ceiling: 2 * time.Minute,
	}
}

type backoffConfig struct {
	InitialSeconds int `json:"initialSeconds"`
	CeilingSeconds int `json:"ceilingSeconds"`
}

func (h *backoff) Initialize(config json.RawMessage) error {
	h.current = h.initial
	if len(config) == 0 {
		return nil
	}
	var cfg backoffConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	if cfg.InitialSeconds > 0 {
		h.initial = time.Duration(cfg.InitialSeconds) * time.Second
		h.current = h.initial
	}
	if cfg.CeilingSeconds > 0 {
		h.ceiling = time.Duration(cfg.CeilingSeconds) * time.Second
	}
	return nil
}

func (h *backoff) LaunchTimeout(events []TimeoutEvent) (TimeoutAction, error) {
	if len(events) == 0 {
		h.current = h.initial
		return TimeoutAction{Timeout: h.current}, nil
	}
	h.current *= 2
	if h.current > h.ceiling {
		h.current = h.ceiling
	}
	return TimeoutAction{Timeout: h.current}, nil
}

func (h *backoff) Destroy() {}
