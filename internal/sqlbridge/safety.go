package sqlbridge

import (
	"fmt"
	"regexp"
	"strings"
)

// destructivePattern matches any of the statement keywords refused
// inside sql_execute/sql_statement fragments.
var destructivePattern = regexp.MustCompile(
	`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|GRANT|REVOKE|ATTACH|DETACH|COPY|IMPORT|EXPORT|LOAD|INSTALL|TRUNCATE)\b`,
)

// selectOrWith matches a statement whose first keyword is SELECT or WITH.
var selectOrWith = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)

// ErrDestructiveStatement is returned when a fragment contains a refused
// keyword.
type ErrDestructiveStatement struct {
	Keyword string
}

func (e *ErrDestructiveStatement) Error() string {
	return fmt.Sprintf("sqlbridge: statement contains refused keyword %q", e.Keyword)
}

// CheckSafe refuses a fragment matching any destructive pattern. It
// applies to every sql_execute/sql_statement fragment regardless of mode.
func CheckSafe(fragment string) error {
	if m := destructivePattern.FindString(fragment); m != "" {
		return &ErrDestructiveStatement{Keyword: strings.ToUpper(m)}
	}
	return nil
}

// CheckStatementMode additionally requires, for sql_statement cells, that
// the top-level statement begins with SELECT or WITH.
func CheckStatementMode(fragment string) error {
	if err := CheckSafe(fragment); err != nil {
		return err
	}
	if !selectOrWith.MatchString(fragment) {
		return fmt.Errorf("sqlbridge: sql_statement fragment must begin with SELECT or WITH")
	}
	return nil
}
