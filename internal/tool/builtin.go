package tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/percolation-labs/percolate/internal/config"
)

// RegisterBuiltins installs the native tools every deployment carries, then
// layers the HTTP tools declared in configuration on top.
func RegisterBuiltins(catalog *Catalog, cfg config.ToolsConfig) error {
	builtins := []Spec{
		{
			Key:         "current_time",
			DisplayName: "Current time",
			Description: "Get the current UTC time, optionally shifted by a UTC offset like +07:00.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"utc_offset": map[string]any{
						"type":        "string",
						"description": "UTC offset like +07:00 (optional)",
					},
				},
			},
			Native: currentTime,
		},
		{
			Key:         "calculate",
			DisplayName: "Calculator",
			Description: "Evaluate an arithmetic expression with +, -, *, / and parentheses.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Arithmetic expression, e.g. (2+3)*4",
					},
				},
				"required": []any{"expression"},
			},
			Native: calculate,
		},
	}
	for _, spec := range builtins {
		if err := catalog.Register(spec); err != nil {
			return err
		}
	}

	for _, row := range cfg.HTTP {
		spec := Spec{
			Key:         row.Key,
			DisplayName: row.DisplayName,
			Description: row.Description,
			Parameters:  row.Parameters,
			HTTP: &HTTPInvocation{
				Verb:        row.Verb,
				URLTemplate: row.URLTemplate,
				AuthHeader:  row.AuthHeader,
				AuthEnvVar:  row.AuthEnvVar,
			},
		}
		if err := catalog.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func currentTime(ctx context.Context, args map[string]any) (any, error) {
	_ = ctx

	now := time.Now().UTC()
	offset := "+00:00"
	if raw, ok := args["utc_offset"].(string); ok && strings.TrimSpace(raw) != "" {
		offset = strings.TrimSpace(raw)
		seconds, err := parseUTCOffset(offset)
		if err != nil {
			return nil, err
		}
		now = now.Add(time.Duration(seconds) * time.Second)
	}

	return map[string]string{
		"time":       now.Format(time.RFC3339),
		"utc_offset": offset,
	}, nil
}

func parseUTCOffset(offset string) (int, error) {
	if len(offset) != 6 || (offset[0] != '+' && offset[0] != '-') || offset[3] != ':' {
		return 0, fmt.Errorf("invalid utc_offset format")
	}
	hours, err := strconv.Atoi(offset[1:3])
	if err != nil {
		return 0, fmt.Errorf("invalid utc_offset format")
	}
	minutes, err := strconv.Atoi(offset[4:6])
	if err != nil {
		return 0, fmt.Errorf("invalid utc_offset format")
	}
	if hours > 23 || minutes > 59 {
		return 0, fmt.Errorf("invalid utc_offset value")
	}

	total := hours*3600 + minutes*60
	if offset[0] == '-' {
		total = -total
	}
	return total, nil
}

func calculate(ctx context.Context, args map[string]any) (any, error) {
	_ = ctx

	expression, _ := args["expression"].(string)
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	value, err := evalExpression(expression)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expression, "result": value}, nil
}

// evalExpression is a recursive-descent evaluator over + - * / and
// parentheses with the usual precedence.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) parseSum() (float64, error) {
	value, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return value, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return value, nil
		}
		p.pos++
		rhs, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			value += rhs
		} else {
			value -= rhs
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	value, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return value, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return value, nil
		}
		p.pos++
		rhs, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			value *= rhs
		} else {
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value /= rhs
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		value, err := p.parseUnary()
		return -value, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	if p.input[p.pos] == '(' {
		p.pos++
		value, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
