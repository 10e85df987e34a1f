//go:build unix

package stream

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func makeFIFO(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("%s - %s exists and is not a pipe", pipeLogPrefix, path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s - failed to stat %s: %w", pipeLogPrefix, path, err)
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("%s - failed to create pipe %s: %w", pipeLogPrefix, path, err)
	}
	return nil
}

// lockPipe writes this process id to <path>.lock unless a live process
// already holds it. The returned func removes the lock.
func lockPipe(path string) (func(), error) {
	lock := path + ".lock"
	if data, err := os.ReadFile(lock); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid != os.Getpid() && unix.Kill(pid, 0) == nil {
			return nil, fmt.Errorf("%s - %s held by pid %d: %w", pipeLogPrefix, lock, pid, ErrPipeLocked)
		}
	}
	if err := os.WriteFile(lock, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("%s - failed to write %s: %w", pipeLogPrefix, lock, err)
	}
	return func() { os.Remove(lock) }, nil
}
