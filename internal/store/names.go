package store

import (
	"path/filepath"
	"strings"
	"unicode"
)

// DeriveTableName turns an uploaded file name into a table name: the base
// name without its extension, restricted to identifier characters.
func DeriveTableName(fileName string) string {
	base := filepath.Base(strings.ReplaceAll(fileName, `\`, "/"))
	name := strings.TrimSuffix(base, filepath.Ext(base))

	var sb strings.Builder
	for _, r := range name {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}

	out := strings.Trim(sb.String(), "_")
	if out == "" {
		return "dataset"
	}
	if unicode.IsDigit([]rune(out)[0]) {
		out = "t_" + out
	}
	if strings.HasPrefix(strings.ToLower(out), "sqlite_") {
		out = "t_" + out
	}
	return out
}
