// Package cel implements the result-transform engine behind a server
// config's vrl field: a sandboxed, time-bounded CEL expression evaluated
// over each tool-call result.
package cel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxExpressionLength bounds the accepted expression size.
const maxExpressionLength = 4096

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// evalTimeout bounds a single transform evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Transformer compiles and evaluates result-transform expressions. The
// expression sees three variables: result (the tool-call result as a
// document), tool_name, and parameters (the call arguments).
type Transformer struct {
	env *cel.Env
}

// NewTransformer creates the transform environment.
func NewTransformer() (*Transformer, error) {
	env, err := cel.NewEnv(
		cel.Variable("result", cel.DynType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("parameters", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
	)
	if err != nil {
		return nil, fmt.Errorf("create transform environment: %w", err)
	}
	return &Transformer{env: env}, nil
}

// Compile parses and type-checks an expression, returning a reusable
// program.
func (t *Transformer) Compile(expression string) (cel.Program, error) {
	ast, issues := t.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := t.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// Validate checks an expression at config-validation time so broken
// transforms are rejected before a server is ever started.
func (t *Transformer) Validate(expression string) error {
	if expression == "" {
		return errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if _, err := t.Compile(expression); err != nil {
		return fmt.Errorf("invalid transform expression: %w", err)
	}
	return nil
}

// Transform evaluates a compiled program over a tool-call result and
// returns the transformed payload as a JSON string. The evaluation is
// bounded by evalTimeout on top of the caller's context.
func (t *Transformer) Transform(ctx context.Context, prg cel.Program, result any, toolName string, parameters map[string]any) (string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	val, _, err := prg.ContextEval(evalCtx, map[string]any{
		"result":     result,
		"tool_name":  toolName,
		"parameters": parameters,
	})
	if err != nil {
		return "", fmt.Errorf("transform evaluation failed: %w", err)
	}

	// CEL values JSON-encode through their structpb form; a plain
	// val.Value() would leak ref.Val map keys.
	native, err := val.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return "", fmt.Errorf("transform output not JSON-representable: %w", err)
	}
	encoded, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return "", fmt.Errorf("encode transform output: %w", err)
	}
	return string(encoded), nil
}
