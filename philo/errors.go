package philo

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks model output that could not be read as structured data.
	ErrParse = errors.New("structured output parse failed")

	// ErrTransientExchange marks a failure of the chat call itself.
	ErrTransientExchange = errors.New("chat exchange failed")

	// ErrChatExchangeExhausted is returned once the retry budget is spent.
	ErrChatExchangeExhausted = errors.New("chat exchange retries exhausted")
)

// ParseError reports where the literal reader gave up.
type ParseError struct {
	Offset int
	Msg    string
	Input  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse structured output at offset %d: %s", e.Offset, e.Msg)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// TransientError wraps an error raised by the ChatClient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "chat send: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransientExchange }

// ExhaustedError is returned by Exchange after MaxRetries failed attempts.
type ExhaustedError struct {
	Key      HistoryKey
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("chat exchange %q exhausted after %d attempts", e.Key, e.Attempts)
	}
	return fmt.Sprintf("chat exchange %q exhausted after %d attempts: %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrChatExchangeExhausted }
