package tracking

import (
	"errors"
	"fmt"

	"storytrack/internal/backend"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrEmptyKeyword  = errors.New("keyword is empty")
	ErrStoreClosed   = errors.New("store is closed")
)

// OpError is a recoverable failure of a store operation. The store keeps
// the last one so a UI can show it and offer a retry.
type OpError struct {
	Op      string
	TopicID string
	Keyword string
	Message string
	Err     error
}

func newOpError(op string, topicID string, keyword string, err error) *OpError {
	return &OpError{
		Op:      op,
		TopicID: topicID,
		Keyword: keyword,
		Message: humanMessage(err),
		Err:     err,
	}
}

func (e *OpError) Error() string {
	switch {
	case e.TopicID != "":
		return fmt.Sprintf("%s (topicID = %s): %s", e.Op, e.TopicID, e.Message)
	case e.Keyword != "":
		return fmt.Sprintf("%s (keyword = %s): %s", e.Op, e.Keyword, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func humanMessage(err error) string {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}

	switch {
	case errors.Is(err, ErrTopicNotFound):
		return "Topic is not tracked."
	case errors.Is(err, ErrEmptyKeyword):
		return "Keyword must not be empty."
	case errors.Is(err, ErrStoreClosed):
		return "Tracking is shutting down."
	case err != nil:
		return err.Error()
	default:
		return "Unknown error."
	}
}
