package service

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
)

// Eligibility evaluates per-sale CEL rules over user_id, quantity and metadata.
// Compiled programs are cached by rule text.
type Eligibility struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewEligibility() (*Eligibility, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &Eligibility{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that rule is a boolean expression and caches its program.
func (e *Eligibility) Compile(rule string) error {
	_, err := e.program(rule)
	return err
}

func (e *Eligibility) program(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[rule]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: eligibility rule: %v", domain.ErrInvalidSale, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: eligibility rule must return bool, got %v", domain.ErrInvalidSale, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: eligibility rule: %v", domain.ErrInvalidSale, err)
	}

	e.mu.Lock()
	e.programs[rule] = prg
	e.mu.Unlock()
	return prg, nil
}

// Allowed reports whether the rule admits the request. An empty rule admits everyone.
func (e *Eligibility) Allowed(rule, userID string, quantity int, metadata map[string]string) (bool, error) {
	if rule == "" {
		return true, nil
	}
	prg, err := e.program(rule)
	if err != nil {
		return false, err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	out, _, err := prg.Eval(map[string]any{
		"user_id":  userID,
		"quantity": int64(quantity),
		"metadata": metadata,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility rule: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eligibility rule returned %T", out.Value())
	}
	return allowed, nil
}
