package philo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const goodReply = "[{'name': 'Stoicism', 'description': 'Virtue is the only good'}]"

func TestExchange_CachedResponseIsReused(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith(goodReply)}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	req := ExchangeRequest{Prompt: "list philosophies", Key: NewHistoryKey(PromptPhilosophies, 0)}

	first, err := ex.Exchange(context.Background(), req)
	require.NoError(t, err)
	second, err := ex.Exchange(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, chat.calls())
	e, ok := ex.History().Get(req.Key)
	require.True(t, ok)
	require.Equal(t, HistoryEntry{Prompt: "list philosophies", Response: goodReply}, e)
}

func TestExchange_ForceRefreshCallsModel(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith(goodReply, "[{'name': 'Cynicism', 'description': 'Live simply'}]")}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	req := ExchangeRequest{Prompt: "p", Key: NewHistoryKey(PromptPhilosophies, 0)}

	_, err := ex.Exchange(context.Background(), req)
	require.NoError(t, err)
	req.ForceRefresh = true
	got, err := ex.Exchange(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, chat.calls())
	require.Contains(t, got, "Cynicism")
}

func TestExchange_ExhaustsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith("Sure! Here are some philosophies: stoicism, cynicism.")}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	key := NewHistoryKey(PromptPhilosophies, 0)

	_, err := ex.Exchange(context.Background(), ExchangeRequest{Prompt: "p", Key: key, MaxRetries: 3})
	if !errors.Is(err, ErrChatExchangeExhausted) {
		t.Fatalf("err=%v, want ErrChatExchangeExhausted", err)
	}
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err=%v, want wrapped ErrParse", err)
	}
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, key, exhausted.Key)

	require.Equal(t, 3, chat.calls())
	require.False(t, ex.History().Has(key))

	var seeds []int64
	var temps []float64
	for _, r := range chat.requests {
		seeds = append(seeds, r.Seed)
		temps = append(temps, r.Temperature)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, seeds); diff != "" {
		t.Fatalf("seeds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 1.0 / 3, 2.0 / 3}, temps); diff != "" {
		t.Fatalf("temperatures mismatch (-want +got):\n%s", diff)
	}
}

func TestExchange_RecoversAfterBadReply(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith("[{'name': 'unterminated", goodReply)}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	key := NewHistoryKey(PromptPhilosophies, 0)

	got, err := ex.Exchange(context.Background(), ExchangeRequest{Prompt: "p", Key: key})
	require.NoError(t, err)
	require.Equal(t, goodReply, got)
	require.Equal(t, 2, chat.calls())
	e, ok := ex.History().Get(key)
	require.True(t, ok)
	require.Equal(t, goodReply, e.Response)
}

func TestExchange_InvalidCachedEntryIsReplaced(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith(goodReply)}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	key := NewHistoryKey(PromptPhilosophies, 0)
	require.NoError(t, ex.History().Put(key, HistoryEntry{Prompt: "p", Response: "garbage"}))

	got, err := ex.Exchange(context.Background(), ExchangeRequest{Prompt: "p", Key: key})
	require.NoError(t, err)
	require.Equal(t, goodReply, got)
	require.Equal(t, 1, chat.calls())
	// The retry after purging runs at attempt two.
	require.Equal(t, int64(2), chat.requests[0].Seed)
}

func TestExchange_TransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	chat := &scriptedChat{respond: func(call int, _ ChatRequest) (string, error) {
		if call == 1 {
			return "", boom
		}
		return goodReply, nil
	}}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))

	_, err := ex.Exchange(context.Background(), ExchangeRequest{Prompt: "p", Key: NewHistoryKey(PromptPhilosophies, 0)})
	require.NoError(t, err)
	require.Equal(t, 2, chat.calls())
}

func TestExchange_TransientExhaustionWrapsCause(t *testing.T) {
	t.Parallel()

	boom := errors.New("503 service unavailable")
	chat := &scriptedChat{respond: func(int, ChatRequest) (string, error) { return "", boom }}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	key := NewHistoryKey(PromptPhilosophies, 0)

	_, err := ex.Exchange(context.Background(), ExchangeRequest{Prompt: "p", Key: key, MaxRetries: 2})
	require.ErrorIs(t, err, ErrChatExchangeExhausted)
	require.ErrorIs(t, err, ErrTransientExchange)
	require.ErrorIs(t, err, boom)
	require.False(t, ex.History().Has(key))
}

func TestExchange_ValidateFailureCountsAsParseFailure(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith("[]", goodReply)}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))

	_, err := ex.Exchange(context.Background(), ExchangeRequest{
		Prompt: "p",
		Key:    NewHistoryKey(PromptPhilosophies, 0),
		Validate: func(v any) error {
			if l, ok := v.([]any); !ok || len(l) == 0 {
				return errors.New("empty list")
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, chat.calls())
}

func TestExchange_CanceledContext(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith(goodReply)}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Exchange(ctx, ExchangeRequest{Prompt: "p", Key: NewHistoryKey(PromptPhilosophies, 0)})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, chat.calls())
}

func TestExchange_EmptyKeyRejected(t *testing.T) {
	t.Parallel()

	chat := &scriptedChat{respond: replyWith(goodReply)}
	ex := newTestExchanger(t, chat, filepath.Join(t.TempDir(), "history.json"))
	_, err := ex.Exchange(context.Background(), ExchangeRequest{Prompt: "p"})
	require.Error(t, err)
}

func TestNewExchanger_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewExchanger(nil, &HistoryStore{}, nil); err == nil {
		t.Fatalf("expected error for nil chat client")
	}
	if _, err := NewExchanger(&scriptedChat{}, nil, nil); err == nil {
		t.Fatalf("expected error for nil history")
	}
}
