package llm

import (
	"context"
	"io"
	"sync"
)

// pipeStream runs produce in a goroutine and exposes what it writes as a
// ReadCloser. Close cancels produce's context and waits for it to return.
type pipeStream struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startPipe(ctx context.Context, produce func(ctx context.Context, w io.Writer) error) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &pipeStream{pr: pr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		err := produce(ctx, pw)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		_ = pw.CloseWithError(err)
	}()
	return s
}

func (s *pipeStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *pipeStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.pr.Close()
		<-s.done
	})
	return nil
}

func writeLine(w io.Writer, line string) error {
	if line == "" {
		return nil
	}
	if line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, err := io.WriteString(w, line)
	return err
}
