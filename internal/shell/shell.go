// Package shell 提供交互式运维命令行
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/server"
)

const prompt = "audio-center> "

// ErrExit is returned by Execute for the exit command.
var ErrExit = errors.New("exit")

type Shell struct {
	ctx    *app.Context
	tcp    *server.Server
	in     io.Reader
	helper *Helper

	// background pushes started by audio remote-upload
	uploads sync.WaitGroup
}

func New(ctx *app.Context, tcp *server.Server, in io.Reader, out io.Writer) *Shell {
	s := &Shell{
		ctx:    ctx,
		tcp:    tcp,
		in:     in,
		helper: NewHelper(out),
	}
	ctx.SetResponseSink(s.helper.Response)
	return s
}

func (s *Shell) Helper() *Helper {
	return s.helper
}

// Run reads commands line by line until exit, EOF or ctx is cancelled.
func (s *Shell) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.helper.Info("Audio Center shell, type 'help' for commands")
	for {
		_, _ = fmt.Fprint(s.helper.Writer(), prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := s.Execute(ctx, line)
			switch {
			case errors.Is(err, ErrExit):
				return ErrExit
			case err != nil:
				s.helper.Error("%v", err)
			}
		}
	}
}

// Execute parses and runs one command line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	args, err := splitArgs(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	logger.DebugF("Shell command: %v", args)
	return s.command().Run(ctx, append([]string{"audio-center"}, args...))
}

// Wait blocks until background uploads finish.
func (s *Shell) Wait() {
	s.uploads.Wait()
}

// splitArgs splits a line into words with shell quoting rules.
// Unquoted ; & | < > are rejected instead of silently ending the line.
func splitArgs(line string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", line, err)
	}
	if parser.Position >= 0 {
		return nil, fmt.Errorf("unexpected operator at %d in %q", parser.Position, line)
	}
	return args, nil
}
