package bench

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `goos: linux
goarch: amd64
pkg: github.com/edgedlt/dbft
cpu: Test CPU @ 3.00GHz
BenchmarkPayloadSerialization-8   	 5000000	       251.3 ns/op	     288 B/op	       2 allocs/op
BenchmarkWitnessVerification-8    	   20000	     61234 ns/op
PASS
pkg: github.com/edgedlt/dbft/simnet
BenchmarkConsensus/4Nodes-8       	     100	  10523412 ns/op
BenchmarkConsensus/21Nodes-8      	       5	 210523412 ns/op
BenchmarkBroken-8 garbage
ok  	github.com/edgedlt/dbft/simnet	3.2s
`

func TestParseBenchmarkOutput(t *testing.T) {
	results := ParseBenchmarkOutput(sampleOutput)
	require.Len(t, results, 4)

	r := results[0]
	assert.Equal(t, "BenchmarkPayloadSerialization-8", r.Name)
	assert.Equal(t, "github.com/edgedlt/dbft", r.Package)
	assert.Equal(t, int64(5000000), r.Iterations)
	assert.InDelta(t, 251.3, r.NsPerOp, 1e-9)
	assert.Equal(t, int64(288), r.BytesPerOp)
	assert.Equal(t, int64(2), r.AllocsPerOp)

	assert.Equal(t, "github.com/edgedlt/dbft/simnet", results[2].Package)
	assert.Equal(t, "Consensus/4Nodes", results[2].DisplayName())
}

func TestCategory(t *testing.T) {
	tests := map[string]string{
		"BenchmarkSecp256r1Verify-8":   "Cryptography",
		"BenchmarkMerkleRoot_512":      "Cryptography",
		"BenchmarkWitnessVerification": "Cryptography",
		"BenchmarkPayloadDecode-4":     "Messages",
		"BenchmarkConsensus/7Nodes-4":  "Consensus",
		"BenchmarkSomethingElse-4":     "Other",
	}
	for name, want := range tests {
		assert.Equal(t, want, Category(BenchmarkResult{Name: name}), name)
	}
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "251.3 ns", FormatDuration(251.3))
	assert.Equal(t, "61.23 μs", FormatDuration(61234))
	assert.Equal(t, "10.52 ms", FormatDuration(10523412))
	assert.Equal(t, "2.50 s", FormatDuration(2.5e9))

	assert.Equal(t, "N/A", FormatOpsPerSec(0))
	assert.Equal(t, "4.00M", FormatOpsPerSec(250))
	assert.Equal(t, "16.3K", FormatOpsPerSec(61234))
	assert.Equal(t, "95", FormatOpsPerSec(10523412))
}

func TestWriteReport(t *testing.T) {
	sys := &SystemInfo{Timestamp: "now", OS: "linux", Architecture: "amd64", GoVersion: "go1.23", CPU: "Test CPU", NumCPU: 8}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sys, ParseBenchmarkOutput(sampleOutput)))
	out := buf.String()

	assert.Contains(t, out, "| Go | go1.23 |")
	assert.Contains(t, out, "| Height, 4 validators | 10.52 ms | 95 |")
	assert.Contains(t, out, "| Height, 21 validators |")
	assert.NotContains(t, out, "| Height, 7 validators |")
	assert.Contains(t, out, "### Consensus")
	assert.Contains(t, out, "| PayloadSerialization | 5000000 | 251.3 ns | 3.98M | 288 B | 2 |")
}

func TestWriteReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, GetSystemInfo(), nil))
	assert.Contains(t, buf.String(), "No summary benchmarks found.")
}
