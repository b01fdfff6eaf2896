package expressions

import (
	"context"
	"sync"

	"github.com/matteram/ensemble/pkg/schema"
)

// FilterLang selects the expression language of a subscription filter.
type FilterLang string

const (
	FilterLangExpr FilterLang = "expr"
	FilterLangCEL  FilterLang = "cel"
)

// Shared engines: compiled-program caches are per-engine, so all
// subscriptions reuse the same caches.
var (
	sharedExpr     *ExprEngine
	sharedExprOnce sync.Once

	sharedJQ     *GoJQEngine
	sharedJQOnce sync.Once

	sharedCEL     *CELEngine
	sharedCELErr  error
	sharedCELOnce sync.Once
)

func exprEngine() *ExprEngine {
	sharedExprOnce.Do(func() { sharedExpr = NewExprEngine() })
	return sharedExpr
}

func jqEngine() *GoJQEngine {
	sharedJQOnce.Do(func() { sharedJQ = NewGoJQEngine() })
	return sharedJQ
}

func celEngine() (*CELEngine, error) {
	sharedCELOnce.Do(func() { sharedCEL, sharedCELErr = NewCELEngine() })
	return sharedCEL, sharedCELErr
}

// sampleEnv is a representative wire-message environment used to surface
// compile errors at subscribe time instead of at first broadcast.
func sampleEnv() map[string]any {
	return schema.WireMessage{Payload: map[string]any{}}.Env()
}

// MessageFilter is a compiled boolean filter over wire-message environments.
type MessageFilter struct {
	engine     Engine
	expression string
}

// NewFilter compiles a subscription filter in the given language ("expr" when
// empty). The expression must evaluate to a boolean.
func NewFilter(lang FilterLang, expression string) (*MessageFilter, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty filter expression")
	}

	var engine Engine
	switch lang {
	case FilterLangExpr, "":
		engine = exprEngine()
	case FilterLangCEL:
		cel, err := celEngine()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"CEL engine unavailable: %s", err.Error()).WithCause(err)
		}
		engine = cel
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown filter language %q", lang)
	}

	f := &MessageFilter{engine: engine, expression: expression}

	// Dry-run against a representative environment to reject broken
	// expressions up front.
	if _, err := f.Match(sampleEnv()); err != nil {
		return nil, err
	}
	return f, nil
}

// Match evaluates the filter against one message environment. Non-boolean
// results are a validation error.
func (f *MessageFilter) Match(env map[string]any) (bool, error) {
	out, err := f.engine.Evaluate(context.Background(), f.expression, env)
	if err != nil {
		return false, err
	}
	match, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"filter %q returned %T, want bool", f.expression, out)
	}
	return match, nil
}

// PayloadProjection is a compiled jq transform applied to message payloads
// before delivery.
type PayloadProjection struct {
	engine     *GoJQEngine
	expression string
}

// NewProjection compiles a jq payload projection.
func NewProjection(expression string) (*PayloadProjection, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty projection expression")
	}
	p := &PayloadProjection{engine: jqEngine(), expression: expression}
	if _, err := p.engine.getOrCompile(expression); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply runs the projection against one payload.
func (p *PayloadProjection) Apply(payload map[string]any) (any, error) {
	return p.engine.Evaluate(context.Background(), p.expression, payload)
}
