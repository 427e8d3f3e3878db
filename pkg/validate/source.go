package validate

import (
	"strings"
)

// source is the parsed artifact handed to every stage. Built once per
// validation call; stages never mutate it.
type source struct {
	language Language
	raw      string
	py       *pySource // non-nil for Python input
	masked   []string  // comment/string-masked lines for non-Python input
}

func newSource(code string, language Language) *source {
	s := &source{language: language, raw: code}
	if language == LanguagePython {
		s.py = parsePython(code)
		return s
	}
	s.masked = maskCFamily(code)
	return s
}

// maskedLines returns the comment- and string-masked view of the code,
// one entry per line, for pattern scans that must not match inside
// comments or string literals.
func (s *source) maskedLines() []string {
	if s.py != nil {
		lines := make([]string, len(s.py.lines))
		for i, ln := range s.py.lines {
			lines[i] = ln.code
		}
		return lines
	}
	return s.masked
}

// maskCFamily blanks //- and /* */-style comments and the contents of
// single- and double-quoted literals, preserving line structure. Used
// for C-family/JS input and as a generic fallback.
func maskCFamily(src string) []string {
	var out []rune
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i < len(runes) {
				if runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/' {
					i += 2
					break
				}
				if runes[i] == '\n' {
					out = append(out, '\n')
				}
				i++
			}
		case c == '"' || c == '\'' || c == '`':
			quote := c
			out = append(out, quote)
			i++
			for i < len(runes) {
				if quote != '`' && runes[i] == '\\' && i+1 < len(runes) {
					out = append(out, ' ', ' ')
					i += 2
					continue
				}
				if runes[i] == quote {
					out = append(out, quote)
					i++
					break
				}
				if runes[i] == '\n' {
					if quote != '`' {
						break // unterminated on this line
					}
					out = append(out, '\n')
					i++
					continue
				}
				out = append(out, ' ')
				i++
			}
		default:
			out = append(out, c)
			i++
		}
	}
	return strings.Split(string(out), "\n")
}
