// Package sqltoken splits PostgreSQL-flavoured SQL into lexical tokens.
//
// It understands single-quoted, escape (E'...'), Unicode-escape (U&'...') and
// dollar-quoted strings, plain and U& double-quoted identifiers, line comments
// and nested block comments. It does not parse grammar; callers inspect the
// token stream.
package sqltoken

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Kind int

const (
	Word Kind = iota + 1
	Number
	String
	QuotedIdent
	Comment
	Param
	Punct
)

type Token struct {
	Kind  Kind
	Text  string
	Pos   int
	End   int
	Depth int
	// Decoded holds the body of a U& string or identifier with its escapes
	// resolved.
	Decoded string
}

var ErrUnterminated = errors.New("unterminated literal or comment")

var innerWord = regexp.MustCompile(`[\p{L}\p{N}_]+`)

func Scan(src string) ([]Token, error) {
	tokens := make([]Token, 0, 32)
	depth := 0
	i := 0
	for i < len(src) {
		r, width := utf8.DecodeRuneInString(src[i:])
		next := byte(0)
		if i+1 < len(src) {
			next = src[i+1]
		}

		switch {
		case unicode.IsSpace(r):
			i += width
		case r == '-' && next == '-':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src)
			} else {
				end += i
			}
			tokens = append(tokens, Token{Kind: Comment, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case r == '/' && next == '*':
			end, err := scanBlockComment(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: Comment, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case r == '\'':
			end, err := scanQuoted(src, i, '\'', false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: String, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case (r == 'E' || r == 'e') && next == '\'':
			end, err := scanQuoted(src, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: String, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case (r == 'U' || r == 'u') && next == '&' && i+2 < len(src) && (src[i+2] == '"' || src[i+2] == '\''):
			tok, err := scanUnicodeQuoted(src, i)
			if err != nil {
				return nil, err
			}
			tok.Depth = depth
			tokens = append(tokens, tok)
			i = tok.End
		case r == '"':
			end, err := scanQuoted(src, i, '"', false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: QuotedIdent, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case r == '$':
			tok, err := scanDollar(src, i)
			if err != nil {
				return nil, err
			}
			tok.Depth = depth
			tokens = append(tokens, tok)
			i = tok.End
		case isWordStart(r):
			end := i + width
			for end < len(src) {
				nr, nw := utf8.DecodeRuneInString(src[end:])
				if !isWordPart(nr) {
					break
				}
				end += nw
			}
			tokens = append(tokens, Token{Kind: Word, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case (r < utf8.RuneSelf && isDigit(byte(r))) || (r == '.' && isDigit(next)):
			end := scanNumber(src, i)
			tokens = append(tokens, Token{Kind: Number, Text: src[i:end], Pos: i, End: end, Depth: depth})
			i = end
		case r == '(':
			tokens = append(tokens, Token{Kind: Punct, Text: "(", Pos: i, End: i + 1, Depth: depth})
			depth++
			i++
		case r == ')':
			if depth > 0 {
				depth--
			}
			tokens = append(tokens, Token{Kind: Punct, Text: ")", Pos: i, End: i + 1, Depth: depth})
			i++
		default:
			tokens = append(tokens, Token{Kind: Punct, Text: src[i : i+width], Pos: i, End: i + width, Depth: depth})
			i += width
		}
	}
	return tokens, nil
}

// Words returns the whole words carried by the token. Comments, strings and
// quoted identifiers yield every word found inside them.
func (t Token) Words() []string {
	switch t.Kind {
	case Word:
		return []string{t.Text}
	case Comment, String, QuotedIdent:
		if t.Decoded != "" {
			return innerWord.FindAllString(t.Decoded+" "+t.Text, -1)
		}
		return innerWord.FindAllString(t.Text, -1)
	default:
		return nil
	}
}

func (t Token) Is(word string) bool {
	return t.Kind == Word && strings.EqualFold(t.Text, word)
}

// Significant drops comments.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Kind == Comment {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// TrimTrailing removes trailing semicolons and comments from src.
func TrimTrailing(src string) string {
	tokens, err := Scan(src)
	if err != nil {
		return strings.TrimSpace(src)
	}
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		if tok.Kind == Comment || (tok.Kind == Punct && tok.Text == ";") {
			continue
		}
		return strings.TrimSpace(src[:tok.End])
	}
	return ""
}

// HasTopLevelLimit reports whether the outermost statement bounds its rows
// with LIMIT or FETCH.
func HasTopLevelLimit(tokens []Token) bool {
	for _, tok := range tokens {
		if tok.Depth == 0 && (tok.Is("limit") || tok.Is("fetch")) {
			return true
		}
	}
	return false
}

func scanQuoted(src string, start int, quote byte, backslash bool) (int, error) {
	j := start + 1
	for j < len(src) {
		c := src[j]
		if backslash && c == '\\' {
			j += 2
			continue
		}
		if c == quote {
			if j+1 < len(src) && src[j+1] == quote {
				j += 2
				continue
			}
			return j + 1, nil
		}
		j++
	}
	return 0, ErrUnterminated
}

// scanUnicodeQuoted reads U&"..." or U&'...' at start, including a trailing
// UESCAPE 'c' clause.
func scanUnicodeQuoted(src string, start int) (Token, error) {
	quote := src[start+2]
	end, err := scanQuoted(src, start+2, quote, false)
	if err != nil {
		return Token{}, err
	}
	body := strings.ReplaceAll(src[start+3:end-1], string(quote)+string(quote), string(quote))

	escape := '\\'
	if c, clauseEnd, ok := scanUEscape(src, end); ok {
		escape = c
		end = clauseEnd
	}

	kind := QuotedIdent
	if quote == '\'' {
		kind = String
	}
	return Token{Kind: kind, Text: src[start:end], Pos: start, End: end, Decoded: decodeUnicodeEscapes(body, escape)}, nil
}

func scanUEscape(src string, start int) (rune, int, bool) {
	j := skipSpace(src, start)
	const keyword = "uescape"
	if len(src)-j < len(keyword) || !strings.EqualFold(src[j:j+len(keyword)], keyword) {
		return 0, 0, false
	}
	j += len(keyword)
	if j < len(src) {
		if r, _ := utf8.DecodeRuneInString(src[j:]); isWordPart(r) {
			return 0, 0, false
		}
	}
	j = skipSpace(src, j)
	if j >= len(src) || src[j] != '\'' {
		return 0, 0, false
	}
	c, width := utf8.DecodeRuneInString(src[j+1:])
	if width == 0 || j+1+width >= len(src) || src[j+1+width] != '\'' {
		return 0, 0, false
	}
	return c, j + 2 + width, true
}

// decodeUnicodeEscapes resolves escape+XXXX and escape++XXXXXX sequences.
// A doubled escape is a literal escape; anything malformed is kept as is.
func decodeUnicodeEscapes(body string, escape rune) string {
	var b strings.Builder
	for i := 0; i < len(body); {
		r, width := utf8.DecodeRuneInString(body[i:])
		if r != escape {
			b.WriteRune(r)
			i += width
			continue
		}
		rest := body[i+width:]
		switch {
		case strings.HasPrefix(rest, string(escape)):
			b.WriteRune(escape)
			i += 2 * width
		case len(rest) >= 7 && rest[0] == '+' && isHex(rest[1:7]):
			b.WriteRune(hexRune(rest[1:7]))
			i += width + 7
		case len(rest) >= 4 && isHex(rest[:4]):
			b.WriteRune(hexRune(rest[:4]))
			i += width + 4
		default:
			b.WriteRune(r)
			i += width
		}
	}
	return b.String()
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isDigit(c) && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func hexRune(s string) rune {
	v, _ := strconv.ParseUint(s, 16, 32)
	return rune(v)
}

func skipSpace(src string, j int) int {
	for j < len(src) {
		r, width := utf8.DecodeRuneInString(src[j:])
		if !unicode.IsSpace(r) {
			break
		}
		j += width
	}
	return j
}

func scanBlockComment(src string, start int) (int, error) {
	nesting := 0
	j := start
	for j+1 < len(src) {
		switch {
		case src[j] == '/' && src[j+1] == '*':
			nesting++
			j += 2
		case src[j] == '*' && src[j+1] == '/':
			nesting--
			j += 2
			if nesting == 0 {
				return j, nil
			}
		default:
			j++
		}
	}
	return 0, ErrUnterminated
}

func scanDollar(src string, start int) (Token, error) {
	j := start + 1
	if j < len(src) && isDigit(src[j]) {
		for j < len(src) && isDigit(src[j]) {
			j++
		}
		return Token{Kind: Param, Text: src[start:j], Pos: start, End: j}, nil
	}
	for j < len(src) && isTagChar(src[j]) {
		j++
	}
	if j >= len(src) || src[j] != '$' {
		return Token{Kind: Punct, Text: "$", Pos: start, End: start + 1}, nil
	}
	tag := src[start : j+1]
	closing := strings.Index(src[j+1:], tag)
	if closing < 0 {
		return Token{}, ErrUnterminated
	}
	end := j + 1 + closing + len(tag)
	return Token{Kind: String, Text: src[start:end], Pos: start, End: end}, nil
}

func scanNumber(src string, start int) int {
	j := start
	for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
		j++
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < len(src) && isDigit(src[k]) {
			for k < len(src) && isDigit(src[k]) {
				k++
			}
			j = k
		}
	}
	return j
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isTagChar(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
