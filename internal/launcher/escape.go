package launcher

import "strings"

// EscapeForShell escapes s for use inside a double-quoted POSIX shell word.
// Backslash, double quote, backtick and dollar are backslash-escaped. The
// exclamation mark and newline are emitted single-quoted between closing and
// reopening double quotes, so history expansion and line-oriented shells see
// them literally.
func EscapeForShell(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	for _, r := range s {
		switch r {
		case '\\', '"', '`', '$':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '!':
			b.WriteString(`"'!'"`)
		case '\n':
			b.WriteString("\"'\n'\"")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ShellQuote wraps s in double quotes after escaping it.
func ShellQuote(s string) string {
	return `"` + EscapeForShell(s) + `"`
}

// ValidatePrompt rejects control characters other than tab, newline and
// carriage return. Such characters cannot be carried through an argument
// vector (NUL) or a shell word without changing meaning.
func ValidatePrompt(s string) error {
	for i, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return &EscapeError{Char: r, Offset: i}
		}
	}
	return nil
}
