package domain

import (
	"context"
	"io"
)

// Output is the captured result of a finished command.
type Output struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Executor runs commands on one host. Local and remote hosts expose the
// same capability set; callers never branch on the variant.
type Executor interface {
	// Host names the host for logs and errors.
	Host() string

	// Run executes argv to completion and captures its output. A non-zero
	// exit or a spawn failure is returned as *ExecError.
	Run(ctx context.Context, argv ...string) (*Output, error)

	// Stream executes argv with the given stdin and stdout and blocks until
	// it exits. A nil stdin reads from the null device. Stderr is captured
	// for the returned *ExecError.
	Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, argv ...string) error
}
