// Package expressions provides the expression languages behind the delivery
// pipeline: expr and CEL compile subscription filters that decide whether a
// wire message reaches a connection, and jq compiles payload projections
// that reshape a message before delivery.
package expressions

import "context"

// Engine is one expression language. Implementations compile lazily, cache
// compiled programs by source text, and evaluate against the flat environment
// built from a wire message (see schema.WireMessage.Env). Failures surface as
// *schema.Error: ErrCodeValidation for bad source, ErrCodeExecution for
// runtime errors.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
