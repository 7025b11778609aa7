package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunOptions() runOptions {
	return runOptions{
		validators: 4,
		seed:       42,
		blockTime:  time.Second,
		tick:       100 * time.Millisecond,
		duration:   5 * time.Minute,
		heights:    3,
		log:        logOptions{level: "error"},
	}
}

func TestRunSimReachesHeight(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSim(context.Background(), &out, testRunOptions()))

	s := out.String()
	assert.Contains(t, s, "NODE")
	assert.Contains(t, s, "messages sent=")
	assert.NotContains(t, s, "VIOLATION")
}

func TestRunSimWithCrashedValidator(t *testing.T) {
	o := testRunOptions()
	o.crash = []int{1}

	var out bytes.Buffer
	require.NoError(t, runSim(context.Background(), &out, o))
	assert.Contains(t, out.String(), "crashed")
}

func TestRunSimTooManyFaults(t *testing.T) {
	o := testRunOptions()
	o.crash = []int{0, 1}
	o.duration = 30 * time.Second

	err := runSim(context.Background(), &bytes.Buffer{}, o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reached")
}

func TestRunSimOptionErrors(t *testing.T) {
	o := testRunOptions()
	o.tick = 0
	assert.Error(t, runSim(context.Background(), &bytes.Buffer{}, o))

	o = testRunOptions()
	o.heights, o.duration = 0, 0
	assert.Error(t, runSim(context.Background(), &bytes.Buffer{}, o))

	o = testRunOptions()
	o.log.level = "loud"
	assert.Error(t, runSim(context.Background(), &bytes.Buffer{}, o))
}

func TestRunSimLogFile(t *testing.T) {
	o := testRunOptions()
	o.log = logOptions{level: "info", file: filepath.Join(t.TempDir(), "sim.log"), maxSizeMB: 1, maxBackups: 1}

	require.NoError(t, runSim(context.Background(), &bytes.Buffer{}, o))

	data, err := os.ReadFile(o.log.file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"commit"`)
}

func TestRootCommand(t *testing.T) {
	root := rootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "node", "keygen", "bench-report"}, names)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"keygen", "-n", "1"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "private_key:")
}

func TestBenchReport(t *testing.T) {
	in := strings.NewReader("BenchmarkConsensus/4Nodes-8   100   10523412 ns/op\n")
	var out bytes.Buffer
	require.NoError(t, benchReport(in, &out))
	assert.Contains(t, out.String(), "| Height, 4 validators | 10.52 ms | 95 |")

	assert.Error(t, benchReport(strings.NewReader("PASS\n"), &bytes.Buffer{}))
}
