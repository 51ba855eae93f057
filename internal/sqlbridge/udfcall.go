package sqlbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rvbbitCallPattern matches one rvbbit(...) or rvbbit_cascade(...) call
// whose two arguments are each a single quoted string literal or bare
// number — the literal-argument subset spec §4.11 needs for a one-shot
// substitution into the surrounding query text before it reaches sqlite.
// A column reference or subquery as an argument is out of scope: those
// need a true per-row scalar function, which nothing in the example
// pack grounds (see DESIGN.md).
var rvbbitCallPattern = regexp.MustCompile(`(?is)\b(rvbbit|rvbbit_cascade)\s*\(\s*('(?:[^'\\]|'')*'|-?\d+(?:\.\d+)?)\s*,\s*('(?:[^'\\]|'')*'|-?\d+(?:\.\d+)?)\s*\)`)

// EvaluateCalls scans query for literal-argument rvbbit/rvbbit_cascade
// calls and substitutes each with its evaluated result, quoted as a SQL
// literal, so the base SELECT that SQLExecutor hands to sqlite never
// itself contains a cascade call. callerID tags every row the
// evaluation produces.
func (b *Bridge) EvaluateCalls(ctx context.Context, callerID, query string) (string, error) {
	var evalErr error
	out := rvbbitCallPattern.ReplaceAllStringFunc(query, func(match string) string {
		if evalErr != nil {
			return match
		}
		m := rvbbitCallPattern.FindStringSubmatch(match)
		fn, arg1, arg2 := m[1], unquoteLiteral(m[2]), unquoteLiteral(m[3])

		switch strings.ToLower(fn) {
		case "rvbbit":
			var inputValue any = arg2
			if parsed, err := parseJSONLiteral(arg2); err == nil {
				inputValue = parsed
			}
			result, err := b.Scalar(ctx, callerID, arg1, inputValue)
			if err != nil {
				evalErr = fmt.Errorf("sqlbridge: rvbbit(%q, ...): %w", arg1, err)
				return match
			}
			quoted, err := QuoteValue(result, "")
			if err != nil {
				evalErr = err
				return match
			}
			return quoted

		case "rvbbit_cascade":
			argsJSON := json.RawMessage(arg2)
			if !json.Valid(argsJSON) {
				argsJSON, _ = json.Marshal(arg2)
			}
			result, err := b.Cascade(ctx, callerID, arg1, argsJSON)
			if err != nil {
				evalErr = fmt.Errorf("sqlbridge: rvbbit_cascade(%q, ...): %w", arg1, err)
				return match
			}
			quoted, err := QuoteValue(string(result), "")
			if err != nil {
				evalErr = err
				return match
			}
			return quoted
		}
		return match
	})
	if evalErr != nil {
		return "", evalErr
	}
	return out, nil
}

func unquoteLiteral(lit string) string {
	if len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'' {
		return strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
	}
	return lit
}

func parseJSONLiteral(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("empty literal")
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, nil
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("not json")
}
