package tools

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// CoerceArguments validates raw arguments against a tool's declared
// parameters and converts values to their declared types. Unknown keys are
// dropped with a logged warning; a missing required parameter is an error.
// Handlers downstream see only declared, typed values.
func CoerceArguments(def *Definition, raw map[string]any, logger *slog.Logger) (map[string]any, error) {
	declared := make(map[string]Param, len(def.Params))
	for _, p := range def.Params {
		declared[p.Name] = p
	}

	out := make(map[string]any, len(raw))
	for key, value := range raw {
		p, ok := declared[key]
		if !ok {
			logger.Warn("dropping unknown tool argument",
				"tool", def.Name, "argument", key)
			continue
		}
		coerced, err := coerceTo(p.Type, value)
		if err != nil {
			return nil, fmt.Errorf("argument %q of tool %q: %w", key, def.Name, err)
		}
		out[key] = coerced
	}

	for _, p := range def.Params {
		if p.Required {
			if _, ok := out[p.Name]; !ok {
				return nil, fmt.Errorf("tool %q missing required argument %q", def.Name, p.Name)
			}
		}
	}

	return out, nil
}

// coerceTo converts a single value to the declared parameter type.
// String-to-number and string-to-bool conversions are explicit; anything
// else that doesn't already match is rejected.
func coerceTo(t ParamType, v any) (any, error) {
	switch t {
	case ParamTypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case float64, int64, int, bool:
			return fmt.Sprintf("%v", s), nil
		}
		return nil, fmt.Errorf("cannot convert %T to string", v)

	case ParamTypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("invalid number %q", n)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot convert %T to number", v)

	case ParamTypeInteger:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("number %v is not an integer", n)
			}
			return int64(n), nil
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", n)
			}
			return i, nil
		}
		return nil, fmt.Errorf("cannot convert %T to integer", v)

	case ParamTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("invalid boolean %q", b)
		}
		return nil, fmt.Errorf("cannot convert %T to boolean", v)

	case ParamTypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("cannot convert %T to object", v)

	case ParamTypeArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
		return nil, fmt.Errorf("cannot convert %T to array", v)
	}

	return nil, fmt.Errorf("unknown parameter type %q", t)
}
