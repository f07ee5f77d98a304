package philo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	commentMarker = "#"
	fenceMarker   = "```"
)

// wordApostrophe matches an apostrophe sitting between two word characters, as in "test's".
var wordApostrophe = regexp.MustCompile(`([\p{L}\p{N}_])'([\p{L}\p{N}_])`)

// CleanStructuredOutput strips scratchpad comments and code fences from model output and
// joins what remains onto a single line, escaping in-word apostrophes.
func CleanStructuredOutput(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(text))
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, commentMarker) || strings.HasPrefix(trimmed, fenceMarker) {
			continue
		}
		if i := strings.Index(line, commentMarker); i >= 0 {
			line = line[:i]
		}
		line = strings.ReplaceAll(line, fenceMarker, "")
		b.WriteString(line)
	}
	return wordApostrophe.ReplaceAllString(b.String(), `${1}\'${2}`)
}

// ParseStructured reads model output as a literal value: lists, mappings, strings,
// numbers, booleans and null. Nothing is ever evaluated.
//
// Lists decode to []any, mappings to map[string]any, integers to int64 and other
// numbers to float64.
func ParseStructured(text string) (any, error) {
	src := CleanStructuredOutput(text)
	r := &literalReader{src: src}
	r.skipSpace()
	if r.eof() {
		return nil, r.fail("empty input")
	}
	v, err := r.value()
	if err != nil {
		return nil, err
	}
	r.skipSpace()
	if !r.eof() {
		return nil, r.fail("unexpected trailing content")
	}
	return v, nil
}

// DecodeRows parses text and decodes the resulting list of mappings into []T.
// A single mapping is treated as a one-element list.
func DecodeRows[T any](text string) ([]T, error) {
	v, err := ParseStructured(text)
	if err != nil {
		return nil, err
	}
	return decodeRows[T](v)
}

func decodeRows[T any](v any) ([]T, error) {
	var list []any
	switch tv := v.(type) {
	case []any:
		list = tv
	case map[string]any:
		list = []any{tv}
	default:
		return nil, &ParseError{Msg: fmt.Sprintf("want a list of mappings, got %T", v)}
	}
	for i, item := range list {
		if _, ok := item.(map[string]any); !ok {
			return nil, &ParseError{Msg: fmt.Sprintf("item %d: want a mapping, got %T", i, item)}
		}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, &ParseError{Msg: "re-encode rows: " + err.Error()}
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &ParseError{Msg: "decode rows: " + err.Error()}
	}
	return out, nil
}

type literalReader struct {
	src string
	pos int
}

func (r *literalReader) eof() bool { return r.pos >= len(r.src) }

func (r *literalReader) peek() byte { return r.src[r.pos] }

func (r *literalReader) fail(msg string) *ParseError {
	return &ParseError{Offset: r.pos, Msg: msg, Input: r.src}
}

func (r *literalReader) skipSpace() {
	for !r.eof() {
		switch r.peek() {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			r.pos++
		default:
			return
		}
	}
}

func (r *literalReader) value() (any, error) {
	r.skipSpace()
	if r.eof() {
		return nil, r.fail("unexpected end of input")
	}
	c := r.peek()
	switch {
	case c == '[':
		r.pos++
		return r.sequence(']')
	case c == '(':
		r.pos++
		return r.tuple()
	case c == '{':
		r.pos++
		return r.mapping()
	case c == '\'' || c == '"':
		return r.stringLit()
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return r.number()
	case isIdentStart(c):
		return r.keyword()
	default:
		return nil, r.fail(fmt.Sprintf("unexpected character %q", c))
	}
}

func (r *literalReader) sequence(closer byte) ([]any, error) {
	out := []any{}
	for {
		r.skipSpace()
		if r.eof() {
			return nil, r.fail("unterminated list")
		}
		if r.peek() == closer {
			r.pos++
			return out, nil
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		r.skipSpace()
		if r.eof() {
			return nil, r.fail("unterminated list")
		}
		switch r.peek() {
		case ',':
			r.pos++
		case closer:
		default:
			return nil, r.fail(fmt.Sprintf("expected ',' or %q", closer))
		}
	}
}

// tuple reads "(a, b)" as a list; "(a)" is just a parenthesized a.
func (r *literalReader) tuple() (any, error) {
	r.skipSpace()
	if !r.eof() && r.peek() == ')' {
		r.pos++
		return []any{}, nil
	}
	first, err := r.value()
	if err != nil {
		return nil, err
	}
	r.skipSpace()
	if r.eof() {
		return nil, r.fail("unterminated tuple")
	}
	switch r.peek() {
	case ')':
		r.pos++
		return first, nil
	case ',':
		r.pos++
		rest, err := r.sequence(')')
		if err != nil {
			return nil, err
		}
		return append([]any{first}, rest...), nil
	default:
		return nil, r.fail("expected ',' or ')'")
	}
}

func (r *literalReader) mapping() (map[string]any, error) {
	out := map[string]any{}
	for {
		r.skipSpace()
		if r.eof() {
			return nil, r.fail("unterminated mapping")
		}
		if r.peek() == '}' {
			r.pos++
			return out, nil
		}
		keyAt := r.pos
		k, err := r.value()
		if err != nil {
			return nil, err
		}
		key, err := mappingKey(k)
		if err != nil {
			return nil, &ParseError{Offset: keyAt, Msg: err.Error(), Input: r.src}
		}
		r.skipSpace()
		if r.eof() || r.peek() != ':' {
			return nil, r.fail("expected ':' after mapping key")
		}
		r.pos++
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		out[key] = v
		r.skipSpace()
		if r.eof() {
			return nil, r.fail("unterminated mapping")
		}
		switch r.peek() {
		case ',':
			r.pos++
		case '}':
		default:
			return nil, r.fail("expected ',' or '}'")
		}
	}
}

func mappingKey(k any) (string, error) {
	switch v := k.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		if v {
			return "True", nil
		}
		return "False", nil
	default:
		return "", fmt.Errorf("unsupported mapping key type %T", k)
	}
}

// stringLit reads one quoted string plus any adjacent literals ('a' 'b' == 'ab').
func (r *literalReader) stringLit() (string, error) {
	var b strings.Builder
	for {
		if err := r.quoted(&b); err != nil {
			return "", err
		}
		save := r.pos
		r.skipSpace()
		if r.eof() || (r.peek() != '\'' && r.peek() != '"') {
			r.pos = save
			return b.String(), nil
		}
	}
}

func (r *literalReader) quoted(b *strings.Builder) error {
	quote := r.peek()
	start := r.pos
	r.pos++
	for {
		if r.eof() {
			return &ParseError{Offset: start, Msg: "unterminated string", Input: r.src}
		}
		c := r.peek()
		switch c {
		case quote:
			r.pos++
			return nil
		case '\\':
			r.pos++
			if r.eof() {
				return r.fail("dangling escape")
			}
			if err := r.escape(b); err != nil {
				return err
			}
		default:
			b.WriteByte(c)
			r.pos++
		}
	}
}

func (r *literalReader) escape(b *strings.Builder) error {
	c := r.peek()
	r.pos++
	switch c {
	case '\\', '\'', '"', '/':
		b.WriteByte(c)
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'x':
		n, err := r.hex(2)
		if err != nil {
			return err
		}
		b.WriteRune(rune(n))
	case 'u':
		n, err := r.hex(4)
		if err != nil {
			return err
		}
		ru := rune(n)
		if utf16.IsSurrogate(ru) && strings.HasPrefix(r.src[r.pos:], `\u`) {
			save := r.pos
			r.pos += 2
			lo, err := r.hex(4)
			if err == nil {
				if dec := utf16.DecodeRune(ru, rune(lo)); dec != utf8.RuneError {
					b.WriteRune(dec)
					return nil
				}
			}
			r.pos = save
		}
		b.WriteRune(ru)
	default:
		// Unknown escapes keep their backslash.
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

func (r *literalReader) hex(n int) (uint64, error) {
	if r.pos+n > len(r.src) {
		return 0, r.fail("short hex escape")
	}
	v, err := strconv.ParseUint(r.src[r.pos:r.pos+n], 16, 32)
	if err != nil {
		return 0, r.fail("invalid hex escape")
	}
	r.pos += n
	return v, nil
}

func (r *literalReader) number() (any, error) {
	start := r.pos
	if c := r.peek(); c == '-' || c == '+' {
		r.pos++
	}
	digits := 0
	isFloat := false
scan:
	for !r.eof() {
		c := r.peek()
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			isFloat = true
		case c == 'e' || c == 'E':
			isFloat = true
			if r.pos+1 < len(r.src) && (r.src[r.pos+1] == '-' || r.src[r.pos+1] == '+') {
				r.pos++
			}
		default:
			break scan
		}
		r.pos++
	}
	lit := r.src[start:r.pos]
	if digits == 0 {
		return nil, &ParseError{Offset: start, Msg: fmt.Sprintf("invalid number %q", lit), Input: r.src}
	}
	if !isFloat {
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, &ParseError{Offset: start, Msg: fmt.Sprintf("invalid number %q", lit), Input: r.src}
	}
	return f, nil
}

func (r *literalReader) keyword() (any, error) {
	start := r.pos
	for !r.eof() && (isIdentStart(r.peek()) || (r.peek() >= '0' && r.peek() <= '9')) {
		r.pos++
	}
	switch word := r.src[start:r.pos]; word {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "None", "null":
		return nil, nil
	default:
		return nil, &ParseError{Offset: start, Msg: fmt.Sprintf("unsupported name %q", word), Input: r.src}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// FormatLiteral renders v in the literal syntax ParseStructured reads. Struct field
// order is preserved; map keys are sorted. Characters the cleaning pass would
// strip ('#' and '`') are written as hex escapes.
func FormatLiteral(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("FormatLiteral: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var b strings.Builder
	if err := writeLiteral(&b, dec); err != nil {
		return "", fmt.Errorf("FormatLiteral: %w", err)
	}
	return b.String(), nil
}

func writeLiteral(b *strings.Builder, dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			b.WriteByte('[')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					b.WriteString(", ")
				}
				if err := writeLiteral(b, dec); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			b.WriteByte(']')
		case '{':
			b.WriteByte('{')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					b.WriteString(", ")
				}
				key, err := dec.Token()
				if err != nil {
					return err
				}
				ks, ok := key.(string)
				if !ok {
					return errors.New("non-string object key")
				}
				writeQuoted(b, ks)
				b.WriteString(": ")
				if err := writeLiteral(b, dec); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			b.WriteByte('}')
		default:
			return fmt.Errorf("unexpected delimiter %v", t)
		}
	case string:
		writeQuoted(b, t)
	case json.Number:
		b.WriteString(t.String())
	case bool:
		if t {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case nil:
		b.WriteString("None")
	default:
		return fmt.Errorf("unexpected token %T", tok)
	}
	return nil
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('\'')
	for _, ru := range s {
		switch ru {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '#':
			b.WriteString(`\x23`)
		case '`':
			b.WriteString(`\x60`)
		default:
			b.WriteRune(ru)
		}
	}
	b.WriteByte('\'')
}
