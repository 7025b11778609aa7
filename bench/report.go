package bench

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

var categoryOrder = []string{"Consensus", "Cryptography", "Messages", "Other"}

// WriteReport writes a Markdown report of results.
func WriteReport(w io.Writer, sys *SystemInfo, results []BenchmarkResult) error {
	var b strings.Builder

	b.WriteString("# dBFT Benchmark Report\n\n")
	writeSystemInfo(&b, sys)
	writeSummary(&b, results)
	writeDetails(&b, results)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeSystemInfo(b *strings.Builder, sys *SystemInfo) {
	b.WriteString("## System\n\n")
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(b, "| Timestamp | %s |\n", sys.Timestamp)
	fmt.Fprintf(b, "| OS / Arch | %s/%s |\n", sys.OS, sys.Architecture)
	fmt.Fprintf(b, "| Go | %s |\n", sys.GoVersion)
	fmt.Fprintf(b, "| CPU | %s (%d threads) |\n\n", sys.CPU, sys.NumCPU)
}

// writeSummary highlights the numbers that bound block throughput: one
// simulated height and the signature operations every validator repeats
// per message.
func writeSummary(b *strings.Builder, results []BenchmarkResult) {
	b.WriteString("## Summary\n\n")
	rows := []struct{ label, pattern string }{
		{"Height, 4 validators", "Consensus/4Nodes"},
		{"Height, 7 validators", "Consensus/7Nodes"},
		{"Height, 21 validators", "Consensus/21Nodes"},
		{"secp256r1 sign", "Secp256r1Sign"},
		{"secp256r1 verify", "Secp256r1Verify"},
		{"Payload witness check", "WitnessVerification"},
	}
	found := false
	for _, row := range rows {
		r := findBenchmark(results, row.pattern)
		if r == nil {
			continue
		}
		if !found {
			b.WriteString("| Operation | Time | Ops/sec |\n|---|---:|---:|\n")
			found = true
		}
		fmt.Fprintf(b, "| %s | %s | %s |\n", row.label, FormatDuration(r.NsPerOp), FormatOpsPerSec(r.NsPerOp))
	}
	if !found {
		b.WriteString("No summary benchmarks found.\n")
	}
	b.WriteString("\n")
}

func writeDetails(b *strings.Builder, results []BenchmarkResult) {
	b.WriteString("## Details\n\n")

	categories := make(map[string][]BenchmarkResult)
	for _, r := range results {
		c := Category(r)
		categories[c] = append(categories[c], r)
	}

	for _, category := range categoryOrder {
		benchmarks := categories[category]
		if len(benchmarks) == 0 {
			continue
		}
		sort.Slice(benchmarks, func(i, j int) bool {
			return benchmarks[i].Name < benchmarks[j].Name
		})

		fmt.Fprintf(b, "### %s\n\n", category)
		b.WriteString("| Benchmark | Iterations | Time | Ops/sec | Memory | Allocs |\n")
		b.WriteString("|---|---:|---:|---:|---:|---:|\n")
		for _, r := range benchmarks {
			fmt.Fprintf(b, "| %s | %d | %s | %s | %d B | %d |\n",
				r.DisplayName(), r.Iterations, FormatDuration(r.NsPerOp),
				FormatOpsPerSec(r.NsPerOp), r.BytesPerOp, r.AllocsPerOp)
		}
		b.WriteString("\n")
	}
}

func findBenchmark(results []BenchmarkResult, pattern string) *BenchmarkResult {
	for i := range results {
		if strings.Contains(results[i].Name, pattern) {
			return &results[i]
		}
	}
	return nil
}
