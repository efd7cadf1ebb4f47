package telemetry

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestJobCBORRoundTrip(t *testing.T) {
	job := Job{
		ID:          "job-1",
		Op:          OpWrite,
		Address:     0x010000,
		Size:        4096,
		FilePath:    "/tmp/firmware.bin",
		ExpectCRC32: 0xDEADBEEF,
	}

	encoded, err := cbor.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, cbor.Unmarshal(encoded, &decoded))
	require.Equal(t, job, decoded)
}

func TestProgressCBORRoundTrip(t *testing.T) {
	p := Progress{JobID: "job-1", BytesDone: 2048, BytesTotal: 4096}

	encoded, err := cbor.Marshal(p)
	require.NoError(t, err)

	var decoded Progress
	require.NoError(t, cbor.Unmarshal(encoded, &decoded))
	require.Equal(t, p, decoded)
}

func TestProgressCBORRoundTripWithError(t *testing.T) {
	p := Progress{JobID: "job-2", Done: true, Error: "flash error at 0x001000"}

	encoded, err := cbor.Marshal(p)
	require.NoError(t, err)

	var decoded Progress
	require.NoError(t, cbor.Unmarshal(encoded, &decoded))
	require.Equal(t, p, decoded)
}
