package feedback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(t *testing.T) func() {
	old := nowFunc
	nowFunc = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }
	return func() { nowFunc = old }
}

func TestSuccessEnvelopeShape(t *testing.T) {
	defer fixedNow(t)()

	env := Success("17")
	data, err := env.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": "17",
		"time": "20260729T120000",
		"status": {"result": {"finished": "success"}, "execution": "closed"}
	}`, string(data))
}

func TestFailureEnvelopeCarriesReason(t *testing.T) {
	defer fixedNow(t)()

	env := Failure("3", "checksum mismatch")
	data, err := env.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": "3",
		"time": "20260729T120000",
		"status": {
			"result": {"finished": "failure"},
			"execution": "closed",
			"details": ["checksum mismatch"]
		}
	}`, string(data))
}

func TestDownloadedEnvelope(t *testing.T) {
	defer fixedNow(t)()

	env := Downloaded("9")
	assert.Equal(t, FinishedSuccess, env.Status.Result.Finished)
	assert.Equal(t, ExecutionDownloaded, env.Status.Execution)
}

func TestIdentifyEnvelopeHasNoIDButHasData(t *testing.T) {
	defer fixedNow(t)()

	env := Identify(map[string]string{"model": "edge-1"})
	data, err := env.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"time": "20260729T120000",
		"status": {"result": {"finished": "success"}, "execution": "closed"},
		"data": {"model": "edge-1"}
	}`, string(data))
}

func TestRejectedAndCanceledDetails(t *testing.T) {
	defer fixedNow(t)()

	rejected := Rejected("1", "Installation already started, cannot cancel.")
	assert.Equal(t, []string{"Installation already started, cannot cancel."}, rejected.Status.Details)

	canceled := Canceled("1")
	assert.Equal(t, []string{"Action canceled."}, canceled.Status.Details)
}
