package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/stretchr/testify/assert"

	"github.com/aweris/wcsnap/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		notFound  bool
	}{
		{name: "not found", err: &transport.Error{StatusCode: http.StatusNotFound}, notFound: true},
		{name: "service unavailable", err: &transport.Error{StatusCode: http.StatusServiceUnavailable}, transient: true},
		{name: "rate limited", err: &transport.Error{StatusCode: http.StatusTooManyRequests}, transient: true},
		{name: "forbidden", err: &transport.Error{StatusCode: http.StatusForbidden}},
		{name: "connection reset", err: fmt.Errorf("write: %w", syscall.ECONNRESET), transient: true},
		{name: "short read", err: io.ErrUnexpectedEOF, transient: true},
		{name: "plain", err: errors.New("manifest invalid")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.transient, store.IsTransient(err))
			assert.Equal(t, tt.notFound, errors.Is(err, store.ErrNotFound))
		})
	}
}

func TestClassifyPassesContextErrors(t *testing.T) {
	assert.Equal(t, context.Canceled, classify("op", context.Canceled))
	assert.Nil(t, classify("op", nil))
}
