package stream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

const dialLogPrefix = "stream:dial"

// terminationGracePeriod is how long a spawned server gets after its stdin
// closes, and again after SIGTERM, before it is killed.
const terminationGracePeriod = 2 * time.Second

// Dial connects to a tcp or uds address.
func Dial(ctx context.Context, addr transport.Address, logger *slog.Logger) (*Client, error) {
	network, target := "tcp", addr.HostPort()
	if addr.Type == transport.UDS {
		network, target = "unix", addr.Path
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to dial %s: %w", dialLogPrefix, addr.URL(), err)
	}
	return NewClient(Params{Reader: conn, Writer: conn, Closer: conn.Close, Logger: logger}), nil
}

// Spawn starts the command of a stdio address and talks to it over its
// standard input and output. Its standard error is logged.
func Spawn(_ context.Context, addr transport.Address, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(addr.Command, addr.Args...)
	cmd.Dir = addr.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open stdin: %w", dialLogPrefix, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open stdout: %w", dialLogPrefix, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open stderr: %w", dialLogPrefix, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s - failed to start %s: %w", dialLogPrefix, addr.Command, err)
	}
	logger.Debug(fmt.Sprintf("%s - Started %s (pid %d)", dialLogPrefix, addr.Command, cmd.Process.Pid))

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Info(fmt.Sprintf("%s - %s: %s", dialLogPrefix, addr.Command, scanner.Text()))
		}
	}()

	exited := make(chan struct{})
	c := NewClient(Params{
		Reader: stdout,
		Writer: stdin,
		Logger: logger,
		Closer: func() error {
			stdin.Close()
			return terminate(cmd, exited, logger)
		},
	})

	go func() {
		// Wait must not run before stdout has been read to the end.
		<-c.readDone
		err := cmd.Wait()
		if err != nil {
			logger.Warn(fmt.Sprintf("%s - %s exited: %v", dialLogPrefix, addr.Command, err))
		} else {
			logger.Debug(fmt.Sprintf("%s - %s exited", dialLogPrefix, addr.Command))
		}
		close(exited)
	}()
	return c, nil
}

func terminate(cmd *exec.Cmd, exited <-chan struct{}, logger *slog.Logger) error {
	select {
	case <-exited:
		return nil
	case <-time.After(terminationGracePeriod):
	}

	logger.Warn(fmt.Sprintf("%s - %s did not exit after stdin closed, sending SIGTERM", dialLogPrefix, cmd.Path))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error(fmt.Sprintf("%s - failed to send SIGTERM: %v", dialLogPrefix, err))
	}
	select {
	case <-exited:
		return nil
	case <-time.After(terminationGracePeriod):
	}

	logger.Warn(fmt.Sprintf("%s - %s did not exit after SIGTERM, sending SIGKILL", dialLogPrefix, cmd.Path))
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("%s - failed to kill %s: %w", dialLogPrefix, cmd.Path, err)
	}
	<-exited
	return nil
}

func asConn(c *Client, err error) (peer.Conn, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ClientType returns the client type for a stream transport.
func ClientType(t transport.Transport) (peer.ClientType, bool) {
	var factory peer.Factory
	switch t {
	case transport.Stdio:
		factory = func(ctx context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			return asConn(Spawn(ctx, addr, logger))
		}
	case transport.Pipe:
		factory = func(ctx context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			return asConn(OpenPipe(ctx, addr, logger))
		}
	case transport.TCP, transport.UDS:
		factory = func(ctx context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			return asConn(Dial(ctx, addr, logger))
		}
	default:
		return peer.ClientType{}, false
	}
	return peer.ClientType{Name: string(t), Transport: t, New: factory}, true
}
