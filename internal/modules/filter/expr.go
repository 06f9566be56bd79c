package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ccomkhj/datumaro-gui/internal/logger"
)

var (
	// ErrEmptyExpression is returned when no expression is given
	ErrEmptyExpression = errors.New("expression cannot be empty")
	// ErrInvalidExpression is returned when the expression does not compile
	ErrInvalidExpression = errors.New("invalid expression")
	// ErrNotBoolean is returned when a predicate yields something other than a boolean
	ErrNotBoolean = errors.New("predicate did not return a boolean")
)

// ExprPredicate evaluates an expr-lang expression against an ItemView.
// The expression sees only the view's fields; there is no access to the
// filesystem, network or process.
//
// Examples:
//
//	width > 2048
//	any(annotations, .category == "person" && .area > 1000)
//	subset == "train" && annotation_count > 0
type ExprPredicate struct {
	expression string
	program    *vm.Program
}

// NewExprPredicate compiles expression against the ItemView environment.
func NewExprPredicate(expression string) (*ExprPredicate, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	program, err := expr.Compile(expression, expr.Env(ItemView{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	logger.Debug("expr predicate compiled", slog.String("expression", expression))
	return &ExprPredicate{expression: expression, program: program}, nil
}

// Expression returns the source expression.
func (p *ExprPredicate) Expression() string {
	return p.expression
}

// Match evaluates the expression for one item.
func (p *ExprPredicate) Match(ctx context.Context, item *ItemView) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	out, err := expr.Run(p.program, *item)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBoolean, out)
	}
	return b, nil
}
