package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/donkeylabs/execore/internal/errorsx"
)

func TestCodec_RoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: FrameConnected, JobID: "j1", Timestamp: 1},
		{Type: FrameHeartbeat, ProcessID: "p1", Timestamp: 2},
		{Type: FrameStarted, JobID: "j1", Name: "add", Timestamp: 3},
		{Type: FrameProgress, JobID: "j1", Percent: 50, Message: "halfway", Timestamp: 4},
		{Type: FrameLog, JobID: "j1", Level: LogInfo, Message: "hi", Timestamp: 5},
		{Type: FrameCompleted, JobID: "j1", Result: []byte(`{"n":42}`), Timestamp: 6},
		{Type: FrameFailed, JobID: "j1", Error: "boom", Timestamp: 7},
		{Type: FrameStats, InstanceID: "i1", CPU: &CPUStats{Percent: 1.5}, Timestamp: 8},
		{Type: FrameDisconnect, ProcessID: "p1", Timestamp: 9},
	}
	for _, want := range cases {
		encoded, err := Encode(want)
		require.NoError(t, err)
		require.True(t, encoded[len(encoded)-1] == '\n')

		got, err := Decode(encoded[:len(encoded)-1])
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.ID(), got.ID())
		require.Equal(t, want.Timestamp, got.Timestamp)
	}
}

func TestCodec_MissingFieldsRejected(t *testing.T) {
	_, err := Decode([]byte(`{"jobId":"j1","timestamp":1}`))
	require.True(t, errorsx.Is(err, errorsx.KindMalformedFrame))

	_, err = Decode([]byte(`{"type":"heartbeat","timestamp":1}`))
	require.True(t, errorsx.Is(err, errorsx.KindMalformedFrame))

	_, err = Decode([]byte(`{"type":"heartbeat","jobId":"j1"}`))
	require.True(t, errorsx.Is(err, errorsx.KindMalformedFrame))
}

func TestCodec_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.True(t, errorsx.Is(err, errorsx.KindMalformedFrame))
}

func TestCodec_OversizeRejected(t *testing.T) {
	huge := make([]byte, MaxFrameBytes+1)
	_, err := Decode(huge)
	require.True(t, errorsx.Is(err, errorsx.KindMalformedFrame))
}

// TestProperty_RoundTrip: for every supported
// frame variant with a random job id and timestamp, encode then decode yields back an
// equivalent frame.
func TestProperty_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frameType := rapid.SampledFrom([]FrameType{
			FrameConnected, FrameHeartbeat, FrameStarted, FrameProgress,
			FrameLog, FrameCompleted, FrameFailed, FrameStats, FrameDisconnect,
		}).Draw(t, "type")
		jobID := rapid.StringMatching(`[a-z0-9-]{1,20}`).Draw(t, "jobID")
		ts := rapid.Int64Range(1, 1<<40).Draw(t, "ts")

		f := Frame{Type: frameType, JobID: jobID, Timestamp: ts}
		encoded, err := Encode(f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(encoded[:len(encoded)-1])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Type != f.Type || decoded.JobID != f.JobID || decoded.Timestamp != f.Timestamp {
			t.Fatalf("round-trip mismatch: got %+v want %+v", decoded, f)
		}
	})
}
