//go:build !linux

package arena

import (
	"errors"
	"os"
)

func defaultPageSize() int {
	return os.Getpagesize()
}

func mapExecutable(size int) ([]byte, error) {
	return nil, errors.New("executable pages are only supported on linux")
}
