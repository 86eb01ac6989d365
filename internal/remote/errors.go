package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/aweris/wcsnap/internal/store"
)

// classify maps registry and network errors onto the store error model:
// 404 becomes store.ErrNotFound, retryable conditions become
// store.TransientError, everything else passes through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isNotFound(err) {
		return errors.Join(store.ErrNotFound, err)
	}
	if isTransient(err) {
		return store.Transient(op, err)
	}
	return err
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}

func isTransient(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Temporary() || terr.StatusCode == http.StatusTooManyRequests
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var oerr *net.OpError
	if errors.As(err, &oerr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
