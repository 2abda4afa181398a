package policy

import (
	"fmt"
	"strings"
)

// logicalLine is one logical statement of the script after comments are
// removed, string literal contents are blanked out, and physical lines
// joined by open brackets or trailing backslashes are merged.
type logicalLine struct {
	text   string
	indent int
	line   int
}

// scan performs the structural pass over the script source. It fails on
// unterminated string literals and unbalanced brackets, which is the
// validator's stand-in for a parse failure. The returned lines contain no
// string contents, so downstream pattern checks cannot be spoofed by
// literals.
func scan(source string) ([]logicalLine, error) {
	type physical struct {
		text     string
		endDepth int
		contin   bool // ends with a backslash continuation
	}

	var (
		phys     []physical
		cur      strings.Builder
		depth    int
		line     = 1
		inStr    bool
		strQuote byte
		triple   bool
		fstr     bool // string carries an f prefix
		fexpr    int  // brace depth inside an f-string expression
	)

	flush := func(contin bool) {
		phys = append(phys, physical{text: cur.String(), endDepth: depth, contin: contin})
		cur.Reset()
	}

	src := source
	for i := 0; i < len(src); i++ {
		c := src[i]

		if inStr {
			switch {
			case c == '\\':
				i++ // skip escaped char
			case c == strQuote && triple:
				if i+2 < len(src) && src[i+1] == strQuote && src[i+2] == strQuote {
					i += 2
					inStr, fstr, fexpr = false, false, 0
				}
			case c == strQuote:
				inStr, fstr, fexpr = false, false, 0
			case c == '\n':
				if !triple {
					return nil, fmt.Errorf("line %d: unterminated string literal", line)
				}
				flush(false)
				line++
			case fstr && fexpr == 0 && c == '{':
				if i+1 < len(src) && src[i+1] == '{' {
					i++ // escaped literal brace
				} else {
					fexpr = 1
					cur.WriteByte(' ')
				}
			case fstr && fexpr > 0:
				// Interpolated expressions are code, not string data, so
				// they stay visible to the token checks.
				switch c {
				case '{':
					fexpr++
					cur.WriteByte(c)
				case '}':
					fexpr--
					if fexpr > 0 {
						cur.WriteByte(c)
					} else {
						cur.WriteByte(' ')
					}
				default:
					cur.WriteByte(c)
				}
			}
			continue
		}

		switch c {
		case '\'', '"':
			inStr = true
			strQuote = c
			triple = false
			fstr = hasFStringPrefix(src, i)
			fexpr = 0
			if i+2 < len(src) && src[i+1] == c && src[i+2] == c {
				triple = true
				i += 2
			}
			cur.WriteString("''") // placeholder keeps token separation
		case '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			i-- // let the loop handle the newline
		case '(', '[', '{':
			depth++
			cur.WriteByte(c)
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("line %d: unbalanced brackets", line)
			}
			cur.WriteByte(c)
		case '\\':
			if i+1 < len(src) && src[i+1] == '\n' {
				flush(true)
				line++
				i++
			} else {
				cur.WriteByte(c)
			}
		case '\n':
			flush(false)
			line++
		default:
			cur.WriteByte(c)
		}
	}
	if inStr {
		return nil, fmt.Errorf("line %d: unterminated string literal", line)
	}
	if depth != 0 {
		return nil, fmt.Errorf("line %d: unbalanced brackets", line)
	}
	if cur.Len() > 0 {
		flush(false)
	}

	// Merge physical lines into logical statements.
	var (
		out      []logicalLine
		joined   strings.Builder
		startIdx = -1
		open     = false
	)
	startLineOf := func(idx int) int { return idx + 1 }
	for idx, p := range phys {
		if !open {
			if strings.TrimSpace(p.text) == "" {
				continue
			}
			startIdx = idx
			joined.Reset()
		}
		joined.WriteString(p.text)
		joined.WriteByte(' ')
		if p.endDepth > 0 || p.contin {
			open = true
			continue
		}
		open = false
		text := joined.String()
		out = append(out, logicalLine{
			text:   text,
			indent: indentOf(text),
			line:   startLineOf(startIdx),
		})
	}
	if open && startIdx >= 0 {
		text := joined.String()
		out = append(out, logicalLine{text: text, indent: indentOf(text), line: startLineOf(startIdx)})
	}
	return out, nil
}

// hasFStringPrefix reports whether the quote at src[i] is opened by a
// string prefix containing f (f"", F"", rf"", fr"", ...).
func hasFStringPrefix(src string, i int) bool {
	j := i
	for j > 0 && j > i-2 && isPrefixLetter(src[j-1]) {
		j--
	}
	if j == i {
		return false
	}
	if j > 0 && isIdentPart(src[j-1]) {
		return false // tail of an identifier, not a string prefix
	}
	for k := j; k < i; k++ {
		if src[k] == 'f' || src[k] == 'F' {
			return true
		}
	}
	return false
}

func isPrefixLetter(c byte) bool {
	switch c {
	case 'f', 'F', 'r', 'R', 'b', 'B', 'u', 'U':
		return true
	}
	return false
}

func indentOf(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 8
		default:
			return n
		}
	}
	return n
}

// identifiers yields each identifier token in the line together with
// whether it is an attribute access (preceded by a dot) and whether it is
// immediately followed by an opening parenthesis.
func identifiers(line string, fn func(name string, attr, called bool)) {
	i := 0
	for i < len(line) {
		c := line[i]
		if !isIdentStart(c) {
			i++
			continue
		}
		start := i
		for i < len(line) && isIdentPart(line[i]) {
			i++
		}
		name := line[start:i]

		attr := false
		for j := start - 1; j >= 0; j-- {
			if line[j] == ' ' || line[j] == '\t' {
				continue
			}
			attr = line[j] == '.'
			break
		}
		called := false
		for j := i; j < len(line); j++ {
			if line[j] == ' ' || line[j] == '\t' {
				continue
			}
			called = line[j] == '('
			break
		}
		fn(name, attr, called)
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
