package sqlbridge

import "testing"

func TestCheckSafeRejectsDestructiveKeywords(t *testing.T) {
	cases := []string{
		"DROP TABLE t",
		"DELETE FROM t",
		"update t set x=1",
		"INSERT INTO t VALUES (1)",
		"ATTACH DATABASE 'x' AS y",
		"TRUNCATE t",
	}
	for _, c := range cases {
		if err := CheckSafe(c); err == nil {
			t.Fatalf("expected CheckSafe to reject %q", c)
		}
	}
}

func TestCheckSafeAllowsSelect(t *testing.T) {
	if err := CheckSafe("SELECT json_extract(:data, '$.name')"); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestCheckStatementModeRequiresSelectOrWith(t *testing.T) {
	if err := CheckStatementMode("SELECT 1"); err != nil {
		t.Fatalf("unexpected rejection of SELECT: %v", err)
	}
	if err := CheckStatementMode("WITH cte AS (SELECT 1) SELECT * FROM cte"); err != nil {
		t.Fatalf("unexpected rejection of WITH: %v", err)
	}
	if err := CheckStatementMode("PRAGMA table_info(t)"); err == nil {
		t.Fatal("expected non-SELECT/WITH statement to be rejected")
	}
}
