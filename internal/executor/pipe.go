package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// Stage is one side of a pipe: a command on a host.
type Stage struct {
	Exec domain.Executor
	Argv []string
}

var errConsumerDone = errors.New("consumer exited")

// Pipe connects the stdout of producer to the stdin of consumer and blocks
// until both have exited. Data flows through an in-memory pipe, so the
// consumer paces the producer and the payload is never buffered whole.
//
// If either side fails, the other is killed through the shared context. The
// first failure is returned. On success the consumer's stdout is returned.
func Pipe(ctx context.Context, producer, consumer Stage) (*domain.Output, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu    sync.Mutex
		first error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if first == nil {
			first = err
		}
	}

	g.Go(func() error {
		err := producer.Exec.Stream(gctx, nil, pw, producer.Argv...)
		if err != nil {
			record(err)
		}
		_ = pw.CloseWithError(err)
		return err
	})

	var stdout bytes.Buffer
	g.Go(func() error {
		err := consumer.Exec.Stream(gctx, pr, &stdout, consumer.Argv...)
		if err != nil {
			record(err)
			_ = pr.CloseWithError(err)
			return err
		}
		_ = pr.CloseWithError(errConsumerDone)
		return nil
	})

	_ = g.Wait()

	if first != nil {
		return nil, first
	}
	return &domain.Output{Stdout: stdout.Bytes()}, nil
}
