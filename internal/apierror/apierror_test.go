package apierror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CarriesKindAndMessage(t *testing.T) {
	err := New(FileTooLarge, "too big")
	assert.Equal(t, FileTooLarge, err.Kind)
	assert.Equal(t, "too big", err.Message)
	assert.Nil(t, err.Unwrap())
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("decode boom")
	err := Wrap(CodecFailed, "decode failed", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "decode boom")
	assert.Contains(t, err.Error(), "CODEC_FAILED")
}

func TestAs_ExtractsTypedError(t *testing.T) {
	var err error = New(QueueFull, "full")
	ae, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, QueueFull, ae.Kind)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestHTTPStatus_MapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		InputInvalid:      400,
		UnsupportedFormat: 415,
		FileTooLarge:      413,
		SecurityRejected:  400,
		CodecFailed:       400,
		QueueFull:         503,
		RateLimited:       429,
		JobNotFound:       404,
		JobAlreadyFinal:   200,
		Internal:          500,
		Kind("unknown"):   500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}
