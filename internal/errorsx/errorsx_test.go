package errorsx_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donkeylabs/execore/internal/errorsx"
)

func TestStructuralErrorsCarryKind(t *testing.T) {
	err := errorsx.UnknownHandler("render-video")
	assert.True(t, errorsx.Is(err, errorsx.KindUnknownHandler))
	assert.False(t, errorsx.Is(err, errorsx.KindAlreadyRegistered))
	assert.Contains(t, err.Error(), "render-video")
}

func TestWrapPreservesCause(t *testing.T) {
	err := errorsx.ReconnectFailed("child-7", io.ErrUnexpectedEOF)
	require.Error(t, err)
	assert.True(t, errorsx.Is(err, errorsx.KindReconnectFailed))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAdapterStoppedHasNoSubject(t *testing.T) {
	err := errorsx.AdapterStopped()
	assert.Equal(t, "adapter_stopped", err.Error())
}
