// Package actions holds the catalog of things the agent can do to a page and
// the registry that validates and dispatches the model's choices.
package actions

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// Outcome is the result every handler reports.
type Outcome = schemas.ActionOutcome

// Kind names an action. The built-in kinds are declared in catalog.go;
// additional kinds may be registered at startup.
type Kind string

// Env carries the infrastructure a handler may need. Browser and Snapshot
// are only populated for descriptors with NeedsBrowser set.
type Env struct {
	Browser  schemas.Browser
	Snapshot *schemas.PageSnapshot
	Logger   *zap.Logger
}

// Handler executes one action with validated params.
type Handler func(ctx context.Context, params Params, env Env) (Outcome, error)

// Descriptor declares an action.
type Descriptor struct {
	Kind        Kind
	Description string
	// ParamSchema is a JSON schema document for the params object. Empty
	// means any object.
	ParamSchema  string
	NeedsBrowser bool
	Handler      Handler
}

type entry struct {
	Descriptor
	schema *jsonschema.Schema
}

// Registry dispatches invocations to registered descriptors.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[Kind]*entry
	order   []Kind
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("actions"),
		entries: make(map[Kind]*entry),
	}
}

// NewDefaultRegistry returns a registry holding every built-in action.
func NewDefaultRegistry(logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, d := range Builtins() {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Its schema is compiled once here.
func (r *Registry) Register(d Descriptor) error {
	if d.Kind == "" {
		return fmt.Errorf("register action: empty kind")
	}
	if d.Handler == nil {
		return fmt.Errorf("register action %s: nil handler", d.Kind)
	}
	raw := d.ParamSchema
	if raw == "" {
		raw = `{"type":"object"}`
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return fmt.Errorf("register action %s: invalid schema: %w", d.Kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, d.Kind)
	}
	d.ParamSchema = raw
	r.entries[d.Kind] = &entry{Descriptor: d, schema: schema}
	r.order = append(r.order, d.Kind)
	return nil
}

// Kinds lists registered kinds in registration order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Kind(nil), r.order...)
}

// Invoke validates and runs the named action. Handler failures are wrapped
// with ErrActionExecution and the action name.
func (r *Registry) Invoke(ctx context.Context, inv schemas.ActionInvocation, env Env) (out Outcome, err error) {
	r.mu.RLock()
	e, ok := r.entries[Kind(inv.Name)]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrActionNotFound, inv.Name)
	}

	params := Params(inv.Params)
	if params == nil {
		params = Params{}
	}
	if result := e.schema.Validate(map[string]any(params)); !result.IsValid() {
		return Outcome{}, fmt.Errorf("%w for %s: %s", ErrInvalidParams, e.Kind, result.Error())
	}

	if e.NeedsBrowser {
		if env.Browser == nil {
			return Outcome{}, fmt.Errorf("%w: %s", ErrNoBrowser, e.Kind)
		}
	} else {
		env.Browser = nil
		env.Snapshot = nil
	}
	if env.Logger == nil {
		env.Logger = r.logger
	}
	env.Logger = env.Logger.With(zap.String("action", string(e.Kind)))

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Action handler panicked.", zap.String("action", string(e.Kind)), zap.Any("panic", p))
			out = Outcome{}
			err = fmt.Errorf("%w: %s: panic: %v", ErrActionExecution, e.Kind, p)
		}
	}()

	out, err = e.Handler(ctx, params, env)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrActionExecution, e.Kind, err)
	}
	return out, nil
}

type catalogEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// DescribeAll serializes the catalog for the system prompt.
func (r *Registry) DescribeAll() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	catalog := make([]catalogEntry, 0, len(r.order))
	for _, k := range r.order {
		e := r.entries[k]
		catalog = append(catalog, catalogEntry{
			Name:        string(e.Kind),
			Description: e.Description,
			Parameters:  json.RawMessage(e.ParamSchema),
		})
	}
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return "", fmt.Errorf("describe actions: %w", err)
	}
	return string(data), nil
}

// Params is the flat parameter object an action receives.
type Params map[string]any

// String returns a string param, or def when absent.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int returns an integer param. Models often send numbers as strings.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// Float returns a numeric param, or def when absent.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns a boolean param, or def when absent.
func (p Params) Bool(key string, def bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return def
}
