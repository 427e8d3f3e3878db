package validate

import (
	"regexp"
	"strings"
)

// pyLine is one masked source line: comments stripped and string
// literal contents blanked, so downstream scans never match inside
// comments or strings.
type pyLine struct {
	num    int
	indent int
	code   string
	blank  bool
}

// pyRead is one identifier read with its location.
type pyRead struct {
	name string
	line int
}

// pySource is the lexical tree built for Python-like input: masked
// lines, the binding environment visible anywhere in the file, and all
// identifier reads.
type pySource struct {
	lines      []pyLine
	syntaxErrs []Finding
	bindings   map[string]bool
	reads      []pyRead
	imports    map[string]bool
	functions  map[string]bool
	classes    map[string]bool
	wildcard   bool // `from m import *` seen; suppress undefined-ref
}

var pyKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true,
	"class": true, "continue": true, "def": true, "del": true,
	"elif": true, "else": true, "except": true, "finally": true,
	"for": true, "from": true, "global": true, "if": true,
	"import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true,
	"raise": true, "return": true, "try": true, "while": true,
	"with": true, "yield": true, "match": true, "case": true,
}

var pyBuiltins = map[string]bool{
	"abs": true, "all": true, "any": true, "bin": true, "bool": true,
	"bytearray": true, "bytes": true, "callable": true, "chr": true,
	"classmethod": true, "complex": true, "delattr": true, "dict": true,
	"dir": true, "divmod": true, "enumerate": true, "eval": true,
	"exec": true, "compile": true, "__import__": true, "filter": true,
	"float": true, "format": true, "frozenset": true, "getattr": true,
	"globals": true, "hasattr": true, "hash": true, "hex": true,
	"id": true, "input": true, "int": true, "isinstance": true,
	"issubclass": true, "iter": true, "len": true, "list": true,
	"locals": true, "map": true, "max": true, "memoryview": true,
	"min": true, "next": true, "object": true, "oct": true,
	"open": true, "ord": true, "pow": true, "print": true,
	"property": true, "range": true, "repr": true, "reversed": true,
	"round": true, "set": true, "setattr": true, "slice": true,
	"sorted": true, "staticmethod": true, "str": true, "sum": true,
	"super": true, "tuple": true, "type": true, "vars": true,
	"zip": true, "self": true, "cls": true, "exit": true, "quit": true,
	"__name__": true, "__file__": true, "__doc__": true,
	"NotImplemented": true, "Ellipsis": true,
	"BaseException": true, "Exception": true, "ArithmeticError": true,
	"AttributeError": true, "ConnectionError": true,
	"FileNotFoundError": true, "ImportError": true,
	"IndentationError": true, "IndexError": true, "IOError": true,
	"KeyError": true, "KeyboardInterrupt": true,
	"ModuleNotFoundError": true, "NameError": true,
	"NotImplementedError": true, "OSError": true, "OverflowError": true,
	"PermissionError": true, "RecursionError": true,
	"RuntimeError": true, "StopIteration": true, "SyntaxError": true,
	"SystemExit": true, "TimeoutError": true, "TypeError": true,
	"UnboundLocalError": true, "UnicodeDecodeError": true,
	"UnicodeEncodeError": true, "ValueError": true,
	"ZeroDivisionError": true, "Warning": true,
	"DeprecationWarning": true,
}

var (
	reIdent      = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	reDefHeader  = regexp.MustCompile(`^def\s+([A-Za-z_]\w*)\s*\((.*)\)\s*(->[^:]*)?:\s*$`)
	reDefStart   = regexp.MustCompile(`^def\s+([A-Za-z_]\w*)\s*\(`)
	reClassLine  = regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`)
	reAssign     = regexp.MustCompile(`^([A-Za-z_]\w*(?:\s*,\s*[A-Za-z_]\w*)*)\s*(?:[-+*/%&|^@]|//|\*\*|>>|<<)?=(?:[^=]|$)`)
	reForTargets = regexp.MustCompile(`\bfor\s+([A-Za-z_]\w*(?:\s*,\s*[A-Za-z_]\w*)*)\s+in\b`)
	reAsBinding  = regexp.MustCompile(`\bas\s+([A-Za-z_]\w*)`)
	reImport     = regexp.MustCompile(`^import\s+(.+)$`)
	reFromImport = regexp.MustCompile(`^from\s+([A-Za-z_][\w.]*)\s+import\s+(.+)$`)
	reLambda     = regexp.MustCompile(`\blambda\b([^:]*):`)
	reGlobalDecl = regexp.MustCompile(`^(?:global|nonlocal)\s+(.+)$`)
	reBadParams  = regexp.MustCompile(`^def\s+[A-Za-z_]\w*\s*\(\s*[:,]`)
)

// parsePython builds the lexical tree. It never returns an error:
// parse failures land in syntaxErrs.
func parsePython(src string) *pySource {
	p := &pySource{
		bindings:  make(map[string]bool),
		imports:   make(map[string]bool),
		functions: make(map[string]bool),
		classes:   make(map[string]bool),
	}
	masked := p.mask(src)
	p.splitLines(masked)
	p.checkBrackets()
	p.checkHeaders()
	p.collectBindings()
	p.collectReads()
	return p
}

// mask removes comments and blanks string literal contents while
// preserving line structure and string delimiters.
func (p *pySource) mask(src string) string {
	var out []rune
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			quote := c
			triple := i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote
			out = append(out, quote)
			if triple {
				out = append(out, quote, quote)
				i += 3
				closed := false
				for i < len(runes) {
					if runes[i] == quote && i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote {
						out = append(out, quote, quote, quote)
						i += 3
						closed = true
						break
					}
					if runes[i] == '\n' {
						out = append(out, '\n')
					} else {
						out = append(out, ' ')
					}
					i++
				}
				if !closed {
					p.syntaxErrs = append(p.syntaxErrs, Finding{
						Category:    CategorySyntax,
						Severity:    SeverityCritical,
						Location:    lineLoc(1 + strings.Count(string(out), "\n")),
						Description: "unterminated triple-quoted string",
					})
				}
			} else {
				i++
				closed := false
				for i < len(runes) {
					if runes[i] == '\\' && i+1 < len(runes) {
						out = append(out, ' ', ' ')
						i += 2
						continue
					}
					if runes[i] == quote {
						out = append(out, quote)
						i++
						closed = true
						break
					}
					if runes[i] == '\n' {
						break
					}
					out = append(out, ' ')
					i++
				}
				if !closed {
					p.syntaxErrs = append(p.syntaxErrs, Finding{
						Category:    CategorySyntax,
						Severity:    SeverityCritical,
						Location:    lineLoc(1 + strings.Count(string(out), "\n")),
						Description: "unterminated string literal",
					})
				}
			}
		default:
			out = append(out, c)
			i++
		}
	}
	return string(out)
}

func (p *pySource) splitLines(masked string) {
	for i, raw := range strings.Split(masked, "\n") {
		indent := 0
		for _, c := range raw {
			if c == ' ' {
				indent++
			} else if c == '\t' {
				indent += 8
			} else {
				break
			}
		}
		code := strings.TrimRight(strings.TrimLeft(raw, " \t"), " \t")
		p.lines = append(p.lines, pyLine{
			num:    i + 1,
			indent: indent,
			code:   code,
			blank:  code == "",
		})
	}
}

func (p *pySource) checkBrackets() {
	type open struct {
		c    rune
		line int
	}
	var stack []open
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	for _, ln := range p.lines {
		for _, c := range ln.code {
			switch c {
			case '(', '[', '{':
				stack = append(stack, open{c, ln.num})
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1].c != pairs[c] {
					p.syntaxErrs = append(p.syntaxErrs, Finding{
						Category:    CategorySyntax,
						Severity:    SeverityCritical,
						Location:    lineLoc(ln.num),
						Description: "unbalanced bracket: unexpected '" + string(c) + "'",
					})
					return
				}
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		p.syntaxErrs = append(p.syntaxErrs, Finding{
			Category:    CategorySyntax,
			Severity:    SeverityCritical,
			Location:    lineLoc(top.line),
			Description: "unbalanced bracket: '" + string(top.c) + "' is never closed",
		})
	}
}

// checkHeaders validates single-line def/class headers whose brackets
// balance locally. Multi-line headers are covered by the bracket scan.
func (p *pySource) checkHeaders() {
	for _, ln := range p.lines {
		if ln.blank {
			continue
		}
		if reBadParams.MatchString(ln.code) {
			p.syntaxErrs = append(p.syntaxErrs, Finding{
				Category:    CategorySyntax,
				Severity:    SeverityCritical,
				Location:    lineLoc(ln.num),
				Description: "malformed parameter list in function definition",
			})
			continue
		}
		if reDefStart.MatchString(ln.code) && bracketsBalanced(ln.code) {
			if !reDefHeader.MatchString(ln.code) {
				p.syntaxErrs = append(p.syntaxErrs, Finding{
					Category:    CategorySyntax,
					Severity:    SeverityCritical,
					Location:    lineLoc(ln.num),
					Description: "malformed function definition header",
				})
			}
		}
	}
}

func bracketsBalanced(s string) bool {
	depth := 0
	for _, c := range s {
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func (p *pySource) bind(name string) {
	name = strings.TrimSpace(name)
	if name != "" && !pyKeywords[name] {
		p.bindings[name] = true
	}
}

func (p *pySource) collectBindings() {
	for _, ln := range p.lines {
		if ln.blank {
			continue
		}
		code := ln.code

		if m := reImport.FindStringSubmatch(code); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				part = strings.TrimSpace(part)
				if asIdx := strings.Index(part, " as "); asIdx >= 0 {
					alias := strings.TrimSpace(part[asIdx+4:])
					p.bind(alias)
					p.imports[strings.TrimSpace(part[:asIdx])] = true
				} else {
					root := part
					if dot := strings.Index(part, "."); dot >= 0 {
						root = part[:dot]
					}
					p.bind(root)
					p.imports[part] = true
				}
			}
			continue
		}
		if m := reFromImport.FindStringSubmatch(code); m != nil {
			p.imports[m[1]] = true
			names := strings.TrimSpace(m[2])
			names = strings.Trim(names, "()")
			if strings.TrimSpace(names) == "*" {
				p.wildcard = true
				continue
			}
			for _, part := range strings.Split(names, ",") {
				part = strings.TrimSpace(part)
				if asIdx := strings.Index(part, " as "); asIdx >= 0 {
					p.bind(part[asIdx+4:])
					p.imports[m[1]+"."+strings.TrimSpace(part[:asIdx])] = true
				} else {
					p.bind(part)
					p.imports[m[1]+"."+part] = true
				}
			}
			continue
		}

		if m := reDefHeader.FindStringSubmatch(code); m != nil {
			p.bind(m[1])
			p.functions[m[1]] = true
			for _, param := range strings.Split(m[2], ",") {
				param = strings.TrimSpace(strings.TrimLeft(param, "*"))
				if colon := strings.IndexAny(param, ":="); colon >= 0 {
					param = param[:colon]
				}
				p.bind(param)
			}
		} else if m := reDefStart.FindStringSubmatch(code); m != nil {
			// Multi-line header: bind the name; params are heuristically
			// bound when the continuation lines hold bare identifiers.
			p.bind(m[1])
			p.functions[m[1]] = true
		}

		if m := reClassLine.FindStringSubmatch(code); m != nil {
			p.bind(m[1])
			p.classes[m[1]] = true
		}
		if m := reAssign.FindStringSubmatch(code); m != nil {
			for _, t := range strings.Split(m[1], ",") {
				p.bind(t)
			}
		}
		for _, m := range reForTargets.FindAllStringSubmatch(code, -1) {
			for _, t := range strings.Split(m[1], ",") {
				p.bind(t)
			}
		}
		for _, m := range reAsBinding.FindAllStringSubmatch(code, -1) {
			p.bind(m[1])
		}
		for _, m := range reLambda.FindAllStringSubmatch(code, -1) {
			for _, param := range strings.Split(m[1], ",") {
				param = strings.TrimSpace(strings.TrimLeft(param, "*"))
				if eq := strings.IndexAny(param, "=:"); eq >= 0 {
					param = param[:eq]
				}
				p.bind(param)
			}
		}
		if m := reGlobalDecl.FindStringSubmatch(code); m != nil {
			for _, t := range strings.Split(m[1], ",") {
				p.bind(t)
			}
		}
	}
}

// collectReads records every identifier read: names that are not
// keywords, not attribute accesses, not keyword-argument labels, and
// not on import lines.
func (p *pySource) collectReads() {
	for _, ln := range p.lines {
		if ln.blank || reImport.MatchString(ln.code) || reFromImport.MatchString(ln.code) {
			continue
		}
		code := ln.code
		for _, loc := range reIdent.FindAllStringIndex(code, -1) {
			name := code[loc[0]:loc[1]]
			if pyKeywords[name] {
				continue
			}
			// Attribute access: preceded by '.'
			if loc[0] > 0 && code[loc[0]-1] == '.' {
				continue
			}
			// Assignment target or keyword argument: followed by '='
			// that is not '=='.
			rest := strings.TrimLeft(code[loc[1]:], " ")
			if strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==") {
				continue
			}
			// Augmented assignment target.
			if len(rest) >= 2 && strings.ContainsRune("+-*/%&|^", rune(rest[0])) && rest[1] == '=' {
				continue
			}
			// def/class names are bindings, not reads.
			if strings.HasPrefix(code, "def ") || strings.HasPrefix(code, "class ") {
				if m := reIdent.FindStringIndex(code[4:]); m != nil && 4+m[0] == loc[0] {
					continue
				}
			}
			p.reads = append(p.reads, pyRead{name: name, line: ln.num})
		}
	}
}

// terminators begin statements after which same-block code can never
// execute.
var pyTerminators = regexp.MustCompile(`^(return|raise|break|continue)\b`)

// unreachableLines finds the first statement following an unconditional
// terminator at the same indentation within the same block.
func (p *pySource) unreachableLines() []pyLine {
	var out []pyLine
	for i, ln := range p.lines {
		if ln.blank || !pyTerminators.MatchString(ln.code) {
			continue
		}
		for j := i + 1; j < len(p.lines); j++ {
			next := p.lines[j]
			if next.blank {
				continue
			}
			if next.indent < ln.indent {
				break // block ended
			}
			if next.indent == ln.indent {
				out = append(out, next)
			}
			break
		}
	}
	return out
}
