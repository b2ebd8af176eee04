package loader

import (
	"regexp"
	"strings"
)

// TablePrefix is prepended when a sanitized name would not start with a letter.
const TablePrefix = "usuario"

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeTableName derives a storage-safe identifier from a chat id.
// Every run of characters outside [A-Za-z0-9_] collapses to one underscore,
// names not starting with a letter get the "usuario_" prefix, and the result
// is lowercased. It is total and idempotent.
func SanitizeTableName(name string) string {
	s := nonIdent.ReplaceAllString(name, "_")
	if s == "" || !isASCIILetter(s[0]) {
		s = TablePrefix + "_" + s
	}
	return strings.ToLower(s)
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
