package theme

import (
	"os"
	"strings"
)

// Symbol* hold the glyphs in use. InitSymbols picks Unicode or ASCII.
var (
	SymbolSuccess  = "✓"
	SymbolError    = "✗"
	SymbolWarning  = "⚠"
	SymbolSpinner  = "⏳"
	SymbolBullet   = "•"
	SymbolEllipsis = "…"
)

// SymbolSet is one complete set of glyphs.
type SymbolSet struct {
	Success  string
	Error    string
	Warning  string
	Spinner  string
	Bullet   string
	Ellipsis string
}

var unicodeSymbols = SymbolSet{
	Success:  "✓",
	Error:    "✗",
	Warning:  "⚠",
	Spinner:  "⏳",
	Bullet:   "•",
	Ellipsis: "…",
}

var asciiSymbols = SymbolSet{
	Success:  "[OK]",
	Error:    "[ERR]",
	Warning:  "[!]",
	Spinner:  "[..]",
	Bullet:   "*",
	Ellipsis: "...",
}

// DetectUnicodeSupport reports whether the terminal likely renders Unicode.
// LOGINPILOT_ASCII_SYMBOLS=1 forces ASCII.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("LOGINPILOT_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols sets the Symbol* variables for the current terminal.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}
	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolWarning = set.Warning
	SymbolSpinner = set.Spinner
	SymbolBullet = set.Bullet
	SymbolEllipsis = set.Ellipsis
}

func init() {
	InitSymbols()
}
