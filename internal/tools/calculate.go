package tools

import (
	"context"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const maxExpressionLen = 512

var thousandsSep = regexp.MustCompile(`(\d),(\d{3})`)

// Calculate evaluates an arithmetic expression over numeric literals
// using + - * / and parentheses. Evaluation is exact (arbitrary
// precision constants); the result is converted to float64 only for
// display.
func Calculate(expr string) (float64, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return 0, &ErrMalformed{Input: expr, Reason: "expression is empty"}
	}
	if len(src) > maxExpressionLen {
		return 0, &ErrMalformed{Input: src[:32] + "…", Reason: fmt.Sprintf("expression longer than %d characters", maxExpressionLen)}
	}
	src = strings.ReplaceAll(src, "$", "")
	for thousandsSep.MatchString(src) {
		src = thousandsSep.ReplaceAllString(src, "$1$2")
	}

	node, err := parser.ParseExpr(src)
	if err != nil {
		return 0, &ErrMalformed{Input: expr, Reason: "not an arithmetic expression"}
	}
	v, err := evalConst(node)
	if err != nil {
		return 0, &ErrMalformed{Input: expr, Reason: err.Error()}
	}
	f, _ := constant.Float64Val(constant.ToFloat(v))
	if math.IsInf(f, 0) {
		return 0, &ErrMalformed{Input: expr, Reason: "result out of range"}
	}
	return f, nil
}

func evalConst(n ast.Expr) (constant.Value, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", e.Value)
		}
		v := constant.MakeFromLiteral(e.Value, e.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("bad number %s", e.Value)
		}
		return v, nil
	case *ast.ParenExpr:
		return evalConst(e.X)
	case *ast.UnaryExpr:
		if e.Op != token.ADD && e.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
		x, err := evalConst(e.X)
		if err != nil {
			return nil, err
		}
		return constant.UnaryOp(e.Op, x, 0), nil
	case *ast.BinaryExpr:
		switch e.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO:
		default:
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
		x, err := evalConst(e.X)
		if err != nil {
			return nil, err
		}
		y, err := evalConst(e.Y)
		if err != nil {
			return nil, err
		}
		if e.Op == token.QUO && constant.Sign(y) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		// QUO on two integer constants yields an exact rational.
		return constant.BinaryOp(x, e.Op, y), nil
	default:
		return nil, fmt.Errorf("only numbers, + - * / and parentheses are allowed")
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// RegisterCalculation adds CALCULATE.
func RegisterCalculation(r *Registry) {
	r.Register(&Tool{
		Name:        "CALCULATE",
		Description: "Evaluate arithmetic over amounts already observed, e.g. \"(1200 + 350.50) * 0.9\". Supports + - * / and parentheses only.",
		Class:       ClassCalculation,
		Parameters: []Param{
			{Name: "expression", Type: "string", Description: "arithmetic expression", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			expr := stringArg(args, "expression")
			f, err := Calculate(expr)
			if err != nil {
				return "", err
			}
			rounded := math.Round(f*100) / 100
			if rounded != f {
				return fmt.Sprintf("%s = %s (rounded to cents: %.2f)", expr, formatNumber(f), rounded), nil
			}
			return fmt.Sprintf("%s = %s", expr, formatNumber(f)), nil
		},
	})
}
