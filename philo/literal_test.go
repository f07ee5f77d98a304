package philo

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseStructured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want any
	}{
		{
			name: "python list of dicts",
			in:   "[{'action': 'Lying', 'moral': 'immoral', 'reason': 'Deceives'}]",
			want: []any{map[string]any{"action": "Lying", "moral": "immoral", "reason": "Deceives"}},
		},
		{
			name: "in-word apostrophe",
			in:   "[{'reason': 'This is a test's test'}]",
			want: []any{map[string]any{"reason": "This is a test's test"}},
		},
		{
			name: "scratchpad and fences are dropped",
			in:   "# thinking about it\n```python\n[\n  {'a': 1},  # first\n  {'a': 2}\n]\n```",
			want: []any{map[string]any{"a": int64(1)}, map[string]any{"a": int64(2)}},
		},
		{
			name: "json literals",
			in:   `{"ok": true, "none": null, "f": 1.5, "n": -3}`,
			want: map[string]any{"ok": true, "none": nil, "f": 1.5, "n": int64(-3)},
		},
		{
			name: "python keywords and tuples",
			in:   "(True, False, None, ('x'), ())",
			want: []any{true, false, nil, "x", []any{}},
		},
		{
			name: "trailing commas and adjacent strings",
			in:   "['a' 'b', \"c\",]",
			want: []any{"ab", "c"},
		},
		{
			name: "escapes",
			in:   `['tab\there', 'quote\'s', "é\x41", 'keep\q']`,
			want: []any{"tab\there", "quote's", "éA", `keep\q`},
		},
		{
			name: "numeric keys become strings",
			in:   "{1: 'one', 2.5: 'two and a half'}",
			want: map[string]any{"1": "one", "2.5": "two and a half"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStructured(tt.in)
			if err != nil {
				t.Fatalf("ParseStructured(%q) err=%v", tt.in, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseStructured_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"# only a comment",
		"Here you go: [1, 2]",
		"[1, 2",
		"{'a' 1}",
		"[1] [2]",
		"__import__('os')",
		"'unterminated",
		"{[1]: 2}",
	} {
		_, err := ParseStructured(in)
		if !errors.Is(err, ErrParse) {
			t.Fatalf("ParseStructured(%q) err=%v, want ErrParse", in, err)
		}
	}
}

func TestFormatLiteral_RoundTrip(t *testing.T) {
	t.Parallel()

	values := []any{
		[]any{
			map[string]any{
				"action": "Telling a friend's secret",
				"reason": "It's a breach of trust # really",
				"code":   "use `x`",
				"multi":  "line one\nline two\t'quoted' \\ slash",
				"n":      int64(3),
				"f":      1.5,
				"ok":     true,
				"none":   nil,
				"list":   []any{"é", int64(-1)},
			},
		},
		"plain",
		[]any{},
		map[string]any{},
	}
	for _, v := range values {
		lit, err := FormatLiteral(v)
		if err != nil {
			t.Fatalf("FormatLiteral(%v) err=%v", v, err)
		}
		got, err := ParseStructured(lit)
		if err != nil {
			t.Fatalf("ParseStructured(%q) err=%v", lit, err)
		}
		if diff := cmp.Diff(v, got); diff != "" {
			t.Fatalf("round trip of %q mismatch (-want +got):\n%s", lit, diff)
		}
	}
}

func TestFormatLiteral_Struct(t *testing.T) {
	t.Parallel()

	got, err := FormatLiteral(Philosophy{Name: "Kant's ethics", Description: "Duty"})
	if err != nil {
		t.Fatalf("FormatLiteral err=%v", err)
	}
	want := `{'name': 'Kant\'s ethics', 'description': 'Duty'}`
	if got != want {
		t.Fatalf("FormatLiteral=%s, want %s", got, want)
	}
}

func TestDecodeRows(t *testing.T) {
	t.Parallel()

	rows, err := DecodeRows[ActionJudgment]("[{'action': 'Lying', 'moral': False, 'reason': 'r'}, {'action': 'Helping', 'moral': 'Moral', 'reason': 'r'}]")
	if err != nil {
		t.Fatalf("DecodeRows err=%v", err)
	}
	want := []ActionJudgment{
		{Action: "Lying", Morality: Immoral, Reason: "r"},
		{Action: "Helping", Morality: Moral, Reason: "r"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	single, err := DecodeRows[Cluster]("{'cluster': 'Honesty', 'description': 'truth'}")
	if err != nil {
		t.Fatalf("DecodeRows single err=%v", err)
	}
	if len(single) != 1 || single[0].Label != "Honesty" {
		t.Fatalf("single=%v", single)
	}

	if _, err := DecodeRows[Cluster]("['not a mapping']"); !errors.Is(err, ErrParse) {
		t.Fatalf("err=%v, want ErrParse", err)
	}
	if _, err := DecodeRows[Cluster]("42"); !errors.Is(err, ErrParse) {
		t.Fatalf("err=%v, want ErrParse", err)
	}
}

func TestParseMorality(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Morality{
		"moral":     Moral,
		" Immoral ": Immoral,
		"undecided": Undecided,
		"maybe":     Undecided,
		"true":      Moral,
	} {
		if got := ParseMorality(in); got != want {
			t.Fatalf("ParseMorality(%q)=%q, want %q", in, got, want)
		}
	}
	if Moral.Value() != 1 || Immoral.Value() != -1 || Undecided.Value() != 0 {
		t.Fatalf("unexpected morality values")
	}
}
