// Package stream carries newline-delimited JSON-RPC over byte streams:
// spawned subprocesses (stdio), named pipes, TCP and unix domain sockets.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// ReadFrames calls fn with each non-empty line read from r until EOF, which
// is not an error. fn owns the slice it receives.
func ReadFrames(r io.Reader, fn func(frame []byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if frame := bytes.TrimSpace(line); len(frame) > 0 {
			fn(frame)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// frameWriter writes whole frames to w, one at a time.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, bytes.TrimSpace(frame)...)
	buf = append(buf, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}
