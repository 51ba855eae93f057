package sqlbridge

import (
	"fmt"
	"strconv"
	"strings"
)

// QuoteValue renders v for substitution into a sql_execute fragment's
// :name placeholder, quoting type-aware so a string, number, bool, or
// null each render as a safe SQL literal.
//
// Ported from a Python quote_sql_value helper, generalized from
// Python's dynamic typing to Go's any with a type switch.
func QuoteValue(v any, sqlType string) (string, error) {
	if v == nil {
		return "NULL", nil
	}

	switch strings.ToUpper(sqlType) {
	case "INTEGER", "INT", "BIGINT", "SMALLINT":
		switch t := v.(type) {
		case int64:
			return strconv.FormatInt(t, 10), nil
		case int:
			return strconv.Itoa(t), nil
		case float64:
			return strconv.FormatInt(int64(t), 10), nil
		case string:
			n, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return "", fmt.Errorf("sqlbridge: %q is not a valid %s", t, sqlType)
			}
			return strconv.FormatInt(n, 10), nil
		}
		return "", fmt.Errorf("sqlbridge: cannot quote %v as %s", v, sqlType)

	case "REAL", "FLOAT", "DOUBLE", "NUMERIC":
		switch t := v.(type) {
		case float64:
			return strconv.FormatFloat(t, 'g', -1, 64), nil
		case int:
			return strconv.Itoa(t), nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return "", fmt.Errorf("sqlbridge: %q is not a valid %s", t, sqlType)
			}
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		}
		return "", fmt.Errorf("sqlbridge: cannot quote %v as %s", v, sqlType)

	case "BOOLEAN", "BOOL":
		switch t := v.(type) {
		case bool:
			if t {
				return "1", nil
			}
			return "0", nil
		}
		return "", fmt.Errorf("sqlbridge: cannot quote %v as %s", v, sqlType)

	default: // VARCHAR/TEXT and anything else: quoted string literal
		s := fmt.Sprintf("%v", v)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
	}
}

// SubstitutePlaceholders replaces every :name placeholder in fragment with
// its quoted value from args, per args' declared sqlTypes (defaulting to
// VARCHAR for names absent from sqlTypes).
func SubstitutePlaceholders(fragment string, args map[string]any, sqlTypes map[string]string) (string, error) {
	out := fragment
	for name, value := range args {
		sqlType := sqlTypes[name]
		quoted, err := QuoteValue(value, sqlType)
		if err != nil {
			return "", err
		}
		out = strings.ReplaceAll(out, ":"+name, quoted)
	}
	return out, nil
}

// WrapSelect ensures a scalar sql_execute fragment is a full SELECT
// statement, wrapping a bare expression in "SELECT <expr>" per spec
// §4.11 ("wraps it in SELECT if needed").
func WrapSelect(fragment string) string {
	trimmed := strings.TrimSpace(fragment)
	if selectOrWith.MatchString(trimmed) {
		return trimmed
	}
	return "SELECT " + trimmed
}
