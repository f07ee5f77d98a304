package philo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/philo/philo/fileutils"
)

// DefaultMaxRetries is used when an ExchangeRequest leaves MaxRetries unset.
const DefaultMaxRetries = 5

// DefaultSettleDelay is the pause before and after invalidating a bad cache entry.
const DefaultSettleDelay = 500 * time.Millisecond

// OutputFormat asks the chat client for structured output shaped like a list of Row.
// Clients that cannot honor it ignore it.
type OutputFormat struct {
	Name string
	Row  any
}

// ChatRequest is one physical call to the chat model.
type ChatRequest struct {
	Prompt      string
	Temperature float64
	Seed        int64
	Format      *OutputFormat
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Text  string
	Model string
}

// ChatClient sends a single prompt to a chat model.
type ChatClient interface {
	Send(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ExchangeRequest describes one logical exchange.
type ExchangeRequest struct {
	Prompt       string
	Key          HistoryKey
	ForceRefresh bool
	MaxRetries   int
	Format       *OutputFormat

	// Validate optionally checks the parsed value; an error counts as a parse failure.
	Validate func(v any) error
}

// Exchanger answers prompts from the history cache, falling back to the chat client and
// retrying with progressively more random sampling until the reply parses.
type Exchanger struct {
	chat    ChatClient
	history *HistoryStore
	logger  *zap.Logger

	// SettleDelay is slept before and after removing a bad cache entry.
	SettleDelay time.Duration
}

// NewExchanger wires a chat client to a history store.
func NewExchanger(chat ChatClient, history *HistoryStore, logger *zap.Logger) (*Exchanger, error) {
	if chat == nil {
		return nil, errors.New("NewExchanger: chat client is nil")
	}
	if history == nil {
		return nil, errors.New("NewExchanger: history store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchanger{
		chat:        chat,
		history:     history,
		logger:      logger,
		SettleDelay: DefaultSettleDelay,
	}, nil
}

// History returns the backing store.
func (e *Exchanger) History() *HistoryStore { return e.history }

type attemptOutcome int

const (
	outcomeOK attemptOutcome = iota
	outcomeParseFailure
	outcomeTransientFailure
	outcomeFatal
)

// Exchange returns a response for req.Prompt that parses as structured output. Cached
// responses are reused unless ForceRefresh is set. A reply that fails to parse is purged
// from the cache so the next attempt asks the model again.
func (e *Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (string, error) {
	if req.Key == "" {
		return "", errors.New("Exchange: history key is empty")
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	log := e.logger.With(zap.String("key", string(req.Key)))

	var last error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		seed := int64(attempt + 1)
		temperature := float64(attempt) / float64(maxRetries)

		text, outcome, err := e.attempt(ctx, req, seed, temperature)
		switch outcome {
		case outcomeOK:
			if attempt > 0 {
				log.Info("exchange recovered", zap.Int("attempt", attempt+1))
			}
			return text, nil
		case outcomeFatal:
			return "", err
		}
		last = err
		log.Warn("exchange attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Float64("temperature", temperature),
			zap.Int64("seed", seed),
			zap.String("response", fileutils.Truncate(fileutils.SingleLine(text), 200)),
			zap.Error(err))

		if e.history.Has(req.Key) {
			if err := e.invalidate(ctx, req.Key); err != nil {
				return "", err
			}
		}
	}
	return "", &ExhaustedError{Key: req.Key, Attempts: maxRetries, Last: last}
}

// attempt runs one send/validate cycle. Parse and transient failures are retryable;
// outcomeFatal covers persistence errors and cancellation.
func (e *Exchanger) attempt(ctx context.Context, req ExchangeRequest, seed int64, temperature float64) (string, attemptOutcome, error) {
	entry, cached := e.history.Get(req.Key)
	if req.ForceRefresh || !cached {
		resp, err := e.chat.Send(ctx, ChatRequest{
			Prompt:      req.Prompt,
			Temperature: temperature,
			Seed:        seed,
			Format:      req.Format,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", outcomeFatal, ctxErr
			}
			return "", outcomeTransientFailure, &TransientError{Err: err}
		}
		entry = HistoryEntry{Prompt: req.Prompt, Response: resp.Text}
		if err := e.history.Put(req.Key, entry); err != nil {
			return "", outcomeFatal, fmt.Errorf("Exchange: persist: %w", err)
		}
	}

	v, err := ParseStructured(entry.Response)
	if err != nil {
		return entry.Response, outcomeParseFailure, err
	}
	if req.Validate != nil {
		if err := req.Validate(v); err != nil {
			if !errors.Is(err, ErrParse) {
				err = &ParseError{Msg: err.Error()}
			}
			return entry.Response, outcomeParseFailure, err
		}
	}
	return entry.Response, outcomeOK, nil
}

func (e *Exchanger) invalidate(ctx context.Context, key HistoryKey) error {
	if err := sleepContext(ctx, e.SettleDelay); err != nil {
		return err
	}
	if _, err := e.history.Remove(key); err != nil {
		return fmt.Errorf("Exchange: invalidate: %w", err)
	}
	return sleepContext(ctx, e.SettleDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
