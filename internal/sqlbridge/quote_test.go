package sqlbridge

import "testing"

func TestQuoteValueString(t *testing.T) {
	got, err := QuoteValue("O'Brien", "VARCHAR")
	if err != nil {
		t.Fatalf("QuoteValue: %v", err)
	}
	if got != "'O''Brien'" {
		t.Fatalf("got %q", got)
	}
}

func TestQuoteValueInteger(t *testing.T) {
	got, err := QuoteValue(float64(42), "INTEGER")
	if err != nil {
		t.Fatalf("QuoteValue: %v", err)
	}
	if got != "42" {
		t.Fatalf("got %q", got)
	}
}

func TestQuoteValueNull(t *testing.T) {
	got, err := QuoteValue(nil, "VARCHAR")
	if err != nil {
		t.Fatalf("QuoteValue: %v", err)
	}
	if got != "NULL" {
		t.Fatalf("got %q", got)
	}
}

func TestQuoteValueBoolean(t *testing.T) {
	got, err := QuoteValue(true, "BOOLEAN")
	if err != nil {
		t.Fatalf("QuoteValue: %v", err)
	}
	if got != "1" {
		t.Fatalf("got %q", got)
	}
}

func TestSubstitutePlaceholders(t *testing.T) {
	frag := "json_extract_string(:data, :path)"
	out, err := SubstitutePlaceholders(frag, map[string]any{
		"data": `{"name":"Alice"}`,
		"path": "$.name",
	}, nil)
	if err != nil {
		t.Fatalf("SubstitutePlaceholders: %v", err)
	}
	want := `json_extract_string('{"name":"Alice"}', '$.name')`
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestWrapSelectLeavesFullStatementUnchanged(t *testing.T) {
	if got := WrapSelect("SELECT 1"); got != "SELECT 1" {
		t.Fatalf("got %q", got)
	}
}

func TestWrapSelectWrapsBareExpression(t *testing.T) {
	if got := WrapSelect("1 + 1"); got != "SELECT 1 + 1" {
		t.Fatalf("got %q", got)
	}
}
