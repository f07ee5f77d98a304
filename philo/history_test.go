package philo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewHistoryKey_Deterministic(t *testing.T) {
	t.Parallel()

	a := NewHistoryKey(PromptActionFromPhilosophy, 2, "Stoicism")
	b := NewHistoryKey(PromptActionFromPhilosophy, 2, "Stoicism")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != HistoryKey("action_from_philosophy ||| 2 ||| Stoicism") {
		t.Fatalf("key=%q", a)
	}
	for _, other := range []HistoryKey{
		NewHistoryKey(PromptActionFromPhilosophy, 3, "Stoicism"),
		NewHistoryKey(PromptActionFromPhilosophy, 2, "Cynicism"),
		NewHistoryKey(PromptScoreAction, 2, "Stoicism"),
		NewHistoryKey(PromptActionFromPhilosophy, 2),
	} {
		if other == a {
			t.Fatalf("key %q collides with %q", other, a)
		}
	}
}

func TestHistoryPath(t *testing.T) {
	t.Parallel()

	if got := HistoryPath("out", "_v2"); got != filepath.Join("out", "history_v2.json") {
		t.Fatalf("HistoryPath=%q", got)
	}
	if got := HistoryPath("", ""); got != "history.json" {
		t.Fatalf("HistoryPath=%q", got)
	}
}

func TestOpenHistory_CreatesMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "history.json")
	h, err := OpenHistory(path, HistoryOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, h.Len())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(b))
}

func TestHistoryStore_PutGetRemovePersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	h, err := OpenHistory(path, HistoryOptions{})
	require.NoError(t, err)

	k1 := NewHistoryKey("philosophies", 0)
	k2 := NewHistoryKey("score_action", 0, "Lying")
	require.NoError(t, h.Put(k1, HistoryEntry{Prompt: "p1", Response: "r1"}))
	require.NoError(t, h.Put(k2, HistoryEntry{Prompt: "p2", Response: "r2"}))

	reopened, err := OpenHistory(path, HistoryOptions{})
	require.NoError(t, err)
	require.Equal(t, []HistoryKey{k1, k2}, reopened.Keys())
	e, ok := reopened.Get(k2)
	require.True(t, ok)
	require.Equal(t, HistoryEntry{Prompt: "p2", Response: "r2"}, e)

	removed, err := reopened.Remove(k1)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = reopened.Remove(k1)
	require.NoError(t, err)
	require.False(t, removed)

	again, err := OpenHistory(path, HistoryOptions{})
	require.NoError(t, err)
	require.False(t, again.Has(k1))
	require.True(t, again.Has(k2))
}

func TestOpenHistory_EmptyFileIsEmptyHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	h, err := OpenHistory(path, HistoryOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, h.Len())
}

func TestOpenHistory_CorruptFileFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := OpenHistory(path, HistoryOptions{})
	require.Error(t, err)
}

func TestOpenHistory_FreshStartWipesAndRewrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	h, err := OpenHistory(path, HistoryOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Put(NewHistoryKey("philosophies", 0), HistoryEntry{Prompt: "p", Response: "r"}))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	fresh, err := OpenHistory(path, HistoryOptions{FreshStart: true, Backup: true})
	require.NoError(t, err)
	require.Equal(t, 0, fresh.Len())

	st, err := os.Stat(path)
	require.NoError(t, err)
	if !st.ModTime().After(old) {
		t.Fatalf("mtime=%v, want after %v", st.ModTime(), old)
	}

	bak, err := OpenHistory(path+".bak", HistoryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, bak.Len())
}

func TestOpenHistory_FreshStartWithoutFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	h, err := OpenHistory(path, HistoryOptions{FreshStart: true, Backup: true})
	require.NoError(t, err)
	require.Equal(t, 0, h.Len())
	_, err = os.Stat(path + ".bak")
	require.True(t, os.IsNotExist(err), "no backup expected, got err=%v", err)
}
