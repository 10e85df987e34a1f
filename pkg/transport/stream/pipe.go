package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/morezero/capabilities-executor/pkg/transport"
)

const pipeLogPrefix = "stream:pipe"

// ErrPipeLocked is returned when another live process holds a pipe's lock file.
var ErrPipeLocked = errors.New("pipe is locked by another process")

// openFile opens path, giving up when ctx ends. Opening one end of a FIFO
// blocks until the other end is opened.
func openFile(ctx context.Context, path string, flag int) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.f != nil {
				r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// OpenPipe connects to a pipe server by writing <path>.in and reading
// <path>.out. A <path>.lock file holds the pipe for this process.
func OpenPipe(ctx context.Context, addr transport.Address, logger *slog.Logger) (*Client, error) {
	unlock, err := lockPipe(addr.Path)
	if err != nil {
		return nil, err
	}
	out, err := openFile(ctx, addr.Path+".in", os.O_WRONLY)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("%s - failed to open %s.in: %w", pipeLogPrefix, addr.Path, err)
	}
	in, err := openFile(ctx, addr.Path+".out", os.O_RDONLY)
	if err != nil {
		out.Close()
		unlock()
		return nil, fmt.Errorf("%s - failed to open %s.out: %w", pipeLogPrefix, addr.Path, err)
	}
	return NewClient(Params{
		Reader: in,
		Writer: out,
		Logger: logger,
		Closer: func() error {
			err := errors.Join(out.Close(), in.Close())
			unlock()
			return err
		},
	}), nil
}

// ServePipe creates the FIFOs <path>.in and <path>.out if needed and serves
// one client at a time on them until ctx ends.
func (s *Server) ServePipe(ctx context.Context, path string) error {
	for _, p := range []string{path + ".in", path + ".out"} {
		if err := makeFIFO(p); err != nil {
			return err
		}
	}
	s.logger.Info(fmt.Sprintf("%s - Serving on pipe %s", pipeLogPrefix, path))

	for ctx.Err() == nil {
		if err := s.servePipeOnce(ctx, path); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Server) servePipeOnce(ctx context.Context, path string) error {
	in, err := openFile(ctx, path+".in", os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("%s - failed to open %s.in: %w", pipeLogPrefix, path, err)
	}
	defer in.Close()
	out, err := openFile(ctx, path+".out", os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("%s - failed to open %s.out: %w", pipeLogPrefix, path, err)
	}
	defer out.Close()

	stop := context.AfterFunc(ctx, func() { in.Close() })
	defer stop()
	err = s.ServeConn(ctx, in, out)
	if err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
