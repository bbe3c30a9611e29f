package installer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	progress []Progress
	result   Result
	complete bool
}

func (h *recordingHandler) OnProgress(p Progress)     { h.progress = append(h.progress, p) }
func (h *recordingHandler) OnComplete(r Result)       { h.result = r; h.complete = true }
func (h *recordingHandler) ConfirmationRequired() bool { return false }

func TestLocalBridgeStreamsProgressThenCompletes(t *testing.T) {
	b := &LocalBridge{
		Progress: []Progress{{Percent: 50, Message: "halfway"}},
		Result:   Result{Code: 0, Message: "done"},
	}
	h := &recordingHandler{}

	err := b.Install(context.Background(), "/tmp/bundle.raucb", Options{}, h)
	require.NoError(t, err)

	assert.Len(t, h.progress, 1)
	assert.True(t, h.complete)
	assert.True(t, h.result.Success())
	require.Len(t, b.Calls, 1)
	assert.Equal(t, "/tmp/bundle.raucb", b.Calls[0].BundlePathOrURL)
}

func TestLocalBridgeDefaultsToSuccess(t *testing.T) {
	b := &LocalBridge{}
	h := &recordingHandler{}

	require.NoError(t, b.Install(context.Background(), "url", Options{}, h))
	assert.True(t, h.result.Success())
}
