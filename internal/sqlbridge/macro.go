// Package sqlbridge embeds cascade calls inside plain SQL: the scalar
// rvbbit(...) and JSON-returning rvbbit_cascade(...) calls, the THEN <STAGE> ...
// INTO <table> pipeline syntax, and the bare ::cascade_id:: inline macro
// shorthand.
//
// Governing: the cache-key shape is adapted from the original
// implementation's sql_macro.py (structure_hash/make_structure_cache_key),
// reimplemented with xxhash instead of md5 and singleflight instead of a
// plain dict cache to additionally collapse identical concurrent calls.
package sqlbridge

import "regexp"

// cascadeMacroPattern matches a bare ::cascade_id:: shorthand anywhere in
// the query text, inside or outside string literals.
var cascadeMacroPattern = regexp.MustCompile(`::([a-zA-Z0-9_\-./]+)::`)

// ExpandMacros rewrites every ::cascade_id:: shorthand in query into an
// explicit rvbbit_cascade(cascade_id, argsExpr) call. The SQL executor
// does not call it, so a query's macros are not expanded before its
// rvbbit calls are evaluated.
func ExpandMacros(query, argsExpr string) string {
	return cascadeMacroPattern.ReplaceAllStringFunc(query, func(match string) string {
		sub := cascadeMacroPattern.FindStringSubmatch(match)
		cascadeID := sub[1]
		return "rvbbit_cascade('" + escapeSingleQuotes(cascadeID) + "', " + argsExpr + ")"
	})
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
