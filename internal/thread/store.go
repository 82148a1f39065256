package thread

import (
	"context"
	"errors"
)

var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNoCurrentThread   = errors.New("no current thread")
	ErrCurrentChanged    = errors.New("current thread changed during compaction")
	ErrMessageReassigned = errors.New("message already belongs to another thread")
	ErrMessageFrozen     = errors.New("message is complete")
)

// Store persists threads and messages. The graph calls it after every
// structural mutation; the storage format is the driver's business.
type Store interface {
	SaveThread(ctx context.Context, t Thread) error
	LoadThread(ctx context.Context, id string) (Thread, error)
	DeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context) ([]Thread, error)

	SaveMessage(ctx context.Context, m Message) error
	LoadMessage(ctx context.Context, id string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Summarizer condenses a conversation transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, conversationText string) (string, error)
}

type SummarizerFunc func(ctx context.Context, conversationText string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, conversationText string) (string, error) {
	return f(ctx, conversationText)
}
