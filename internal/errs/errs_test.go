package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/errs"
)

func TestIsMatchesOnKindNotMessage(t *testing.T) {
	err := errs.New(errs.NotFound, "bot 123 not found")
	require.True(t, errors.Is(err, errs.New(errs.NotFound, "different message")))
	require.False(t, errors.Is(err, errs.New(errs.Conflict, "bot 123 not found")))
}

func TestWrapPreservesCauseForAs(t *testing.T) {
	cause := errors.New("disk full")
	err := errs.Wrap(errs.Internal, "write failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, errs.Internal, errs.KindOf(errors.New("plain")))
	assert.Equal(t, errs.Kind(""), errs.KindOf(nil))
	assert.Equal(t, errs.NotFound, errs.KindOf(errs.New(errs.NotFound, "x")))
}

func TestHTTPStatusTable(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.NotFound:          404,
		errs.InvalidArgument:   400,
		errs.PermissionDenied:  403,
		errs.Conflict:          409,
		errs.IllegalState:      409,
		errs.ResourceExhausted: 429,
		errs.Timeout:           408,
		errs.Upstream:          502,
		errs.Internal:          500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, errs.HTTPStatus(kind), "kind %s", kind)
	}
}
