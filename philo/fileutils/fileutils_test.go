package fileutils

import (
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"
)

func TestBackupFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "history.json")

	// Missing src: no-op.
	_, ok, err := BackupFile(src, ".bak")
	if err != nil {
		t.Fatalf("backup missing src: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing src")
	}

	if err := os.WriteFile(src, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	dst, ok, err := BackupFile(src, ".bak")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !ok || dst != src+".bak" {
		t.Fatalf("ok=%v dst=%q", ok, dst)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(b) != `{"a":1}` {
		t.Fatalf("dst=%q", string(b))
	}

	// A second backup replaces the first.
	if err := os.WriteFile(src, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write src2: %v", err)
	}
	if _, _, err := BackupFile(src, ".bak"); err != nil {
		t.Fatalf("backup2: %v", err)
	}
	b, _ = os.ReadFile(dst)
	if string(b) != `{}` {
		t.Fatalf("dst=%q", string(b))
	}
}

func TestRemoveIfExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.json")
	removed, err := RemoveIfExists(path)
	if err != nil || removed {
		t.Fatalf("missing file: removed=%v err=%v", removed, err)
	}
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	removed, err = RemoveIfExists(path)
	if err != nil || !removed {
		t.Fatalf("existing file: removed=%v err=%v", removed, err)
	}
	if FileExists(path) {
		t.Fatalf("file still exists")
	}
}

func TestWriteJSONFileAtomic_PrettyAndNoTempLeftovers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")
	if err := WriteJSONFileAtomic(path, map[string]string{"k": "v"}, true); err != nil {
		t.Fatalf("WriteJSONFileAtomic: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "{\n  \"k\": \"v\"\n}\n" {
		t.Fatalf("content=%q", string(b))
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want 1 (temp file leaked?)", len(entries))
	}
}

func TestDecodeModelJSON_ExtractsWrappedObject(t *testing.T) {
	t.Parallel()

	var out struct {
		Items []int `json:"items"`
	}
	if err := DecodeModelJSON("sure! {\"items\": [1, 2]} hope that helps", &out); err != nil {
		t.Fatalf("DecodeModelJSON: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("items=%v", out.Items)
	}
	if err := DecodeModelJSON("   ", &out); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestDecodeModelJSON_FencedArray(t *testing.T) {
	t.Parallel()

	var rows []map[string]string
	in := "```json\n[{\"action\": \"Lying\"}]\n```"
	if err := DecodeModelJSON(in, &rows); err != nil {
		t.Fatalf("DecodeModelJSON: %v", err)
	}
	if len(rows) != 1 || rows[0]["action"] != "Lying" {
		t.Fatalf("rows=%v", rows)
	}

	rows = nil
	if err := DecodeModelJSON("Here you go: [{\"action\": \"Theft\"}] Thanks", &rows); err != nil {
		t.Fatalf("DecodeModelJSON: %v", err)
	}
	if len(rows) != 1 || rows[0]["action"] != "Theft" {
		t.Fatalf("rows=%v", rows)
	}
	if err := DecodeModelJSON("no json here", &rows); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  plain  ":                 "plain",
		"```\n{\"a\": 1}\n```":      `{"a": 1}`,
		"```json\n[1]\n```":         "[1]",
		"```{\"a\": 1}\n```":        `{"a": 1}`,
		"```":                       "```",
		"```python\nprint(1)\n```x": "```python\nprint(1)\n```x",
	}
	for in, want := range cases {
		if got := StripCodeFence(in); got != want {
			t.Fatalf("StripCodeFence(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestSingleLineAndTruncate(t *testing.T) {
	t.Parallel()

	if got := SingleLine(" a\r\nb\nc "); got != "a b c" {
		t.Fatalf("SingleLine=%q", got)
	}
	if got := Truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("Truncate=%q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Fatalf("Truncate=%q", got)
	}
	got := Truncate("héllo", 2)
	if got != "h…" || !utf8.ValidString(got) {
		t.Fatalf("Truncate=%q, want h…", got)
	}
	if got := Truncate("日本語", 4); got != "日…" {
		t.Fatalf("Truncate=%q, want 日…", got)
	}
}
