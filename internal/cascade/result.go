package cascade

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Route names where a Result should be dispatched next: the normal
// continuation, a ward rejection, or an explicit handoff cell named by
// route_to.
type Route string

const (
	RouteContinue Route = "continue"
	RouteRejected Route = "rejected"
	RouteHandoff  Route = "handoff"
)

// Result is the tagged envelope every cell/ward/take execution returns,
// replacing duck-typed success/failure shapes: the Route field is
// explicit on the struct rather than inferred from which other fields
// happen to be set.
type Result struct {
	Route   Route          `json:"route"`
	Value   any            `json:"value,omitempty"`
	Err     error          `json:"-"`
	ErrText string         `json:"error,omitempty"`
	RouteTo string         `json:"route_to,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Ok builds a successful continuation Result.
func Ok(value any) Result {
	return Result{Route: RouteContinue, Value: value}
}

// Rejected builds a ward-rejection Result.
func Rejected(err error) Result {
	return Result{Route: RouteRejected, Err: err, ErrText: err.Error()}
}

// Handoff builds a route_to Result directing execution to another cell.
func Handoff(cellName string, value any) Result {
	return Result{Route: RouteHandoff, RouteTo: cellName, Value: value}
}

// IsOK reports whether the result represents a successful continuation.
func (r Result) IsOK() bool { return r.Route == RouteContinue }

// ContentHash returns a stable hash of v's JSON encoding, used for the
// log row's content_hash/context_hashes fields and any
// pattern-matching on repeated cell output shapes. Marshal failures hash
// the zero-length input rather than propagating an error, since the hash
// is a best-effort diagnostic field, never load-bearing for correctness.
func ContentHash(v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		data = nil
	}
	return xxhash.Sum64(data)
}

// ContentHashHex is ContentHash formatted as a fixed-width hex string,
// the form stored in log rows and the snapshot table.
func ContentHashHex(v any) string {
	return hashHex(ContentHash(v))
}

// GenusHash is a structural fingerprint of one cascade run — the
// cascade id plus the ordered sequence of cell names actually executed,
// ignoring their content — used by the per-session pattern snapshot
// (spec §12.6) to cluster runs that took the same path through the
// cascade regardless of what any cell produced.
func GenusHash(cascadeID string, cellSequence []string) string {
	data, err := json.Marshal(struct {
		CascadeID string   `json:"cascade_id"`
		Cells     []string `json:"cells"`
	}{cascadeID, cellSequence})
	if err != nil {
		data = nil
	}
	return hashHex(xxhash.Sum64(data))
}

func hashHex(h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}
