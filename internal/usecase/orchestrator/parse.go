package orchestrator

import (
	"strings"
	"unicode/utf8"

	"loginpilot/internal/domain"
)

// tokenMinRunes is the length above which a column of a two-column line
// is taken to be the token.
const tokenMinRunes = 50

var separators = strings.NewReplacer("|", ",", ":", ",")

func splitColumns(line string) []string {
	parts := strings.Split(separators.Replace(line), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ParseLine reads one input line. Columns are separated by ',', '|' or ':'.
//
//	name, id, token   three or more columns
//	token, id         two columns, first column longer than 50 runes
//	id, token         two columns otherwise
//	token             one column
//
// It reports false for a blank line.
func ParseLine(line string) (domain.CredentialEntry, bool) {
	if strings.TrimSpace(line) == "" {
		return domain.CredentialEntry{}, false
	}
	parts := splitColumns(line)
	e := domain.CredentialEntry{Status: domain.StatusPending}
	switch {
	case len(parts) >= 3:
		e.ProfileName, e.ProfileID, e.Token = parts[0], parts[1], parts[2]
	case len(parts) == 2:
		if utf8.RuneCountInString(parts[0]) > tokenMinRunes {
			e.Token, e.ProfileID = parts[0], parts[1]
		} else {
			e.ProfileID, e.Token = parts[0], parts[1]
		}
	default:
		e.Token = parts[0]
	}
	return e, true
}

// ParseBulk parses text line by line, dropping blank lines, and numbers the
// entries from zero.
func ParseBulk(text string) []domain.CredentialEntry {
	var entries []domain.CredentialEntry
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		e, ok := ParseLine(line)
		if !ok {
			continue
		}
		e.Index = len(entries)
		entries = append(entries, e)
	}
	return entries
}
