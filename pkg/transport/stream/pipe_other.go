//go:build !unix

package stream

import (
	"errors"
)

var errPipesUnsupported = errors.New("named pipes are not supported on this platform")

func makeFIFO(string) error {
	return errPipesUnsupported
}

func lockPipe(string) (func(), error) {
	return nil, errPipesUnsupported
}
