// Package bench turns `go test -bench` output into a dBFT benchmark report.
package bench

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// SystemInfo contains system information for the benchmark report.
type SystemInfo struct {
	Timestamp    string
	OS           string
	Architecture string
	GoVersion    string
	CPU          string
	NumCPU       int
}

// GetSystemInfo retrieves current system information.
func GetSystemInfo() *SystemInfo {
	info := &SystemInfo{
		Timestamp:    time.Now().Format("2006-01-02 15:04:05 MST"),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
	}

	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					if _, name, ok := strings.Cut(line, ":"); ok {
						info.CPU = strings.TrimSpace(name)
						break
					}
				}
			}
		}
	case "darwin":
		if output, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output(); err == nil {
			info.CPU = strings.TrimSpace(string(output))
		}
	}

	// Fallback for unknown OS
	if info.CPU == "" {
		info.CPU = fmt.Sprintf("%s/%s (%d cores)", runtime.GOOS, runtime.GOARCH, info.NumCPU)
	}

	return info
}

// BenchmarkResult represents a single benchmark result.
type BenchmarkResult struct {
	Name        string
	Package     string
	Iterations  int64
	NsPerOp     float64
	BytesPerOp  int64
	AllocsPerOp int64
}

// DisplayName strips the Benchmark prefix and the GOMAXPROCS suffix.
func (r BenchmarkResult) DisplayName() string {
	name := strings.TrimPrefix(r.Name, "Benchmark")
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		if _, err := strconv.Atoi(name[i+1:]); err == nil {
			name = name[:i]
		}
	}
	return name
}

// ParseBenchmarkOutput parses Go benchmark output into structured results.
// "pkg:" lines set the package of the results that follow.
func ParseBenchmarkOutput(output string) []BenchmarkResult {
	results := []BenchmarkResult{}
	pkg := ""

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "pkg:"); ok {
			pkg = strings.TrimSpace(rest)
			continue
		}
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		result := BenchmarkResult{
			Name:    fields[0],
			Package: pkg,
		}
		if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			result.Iterations = n
		}

		for i := 2; i+1 < len(fields); i++ {
			value, unit := fields[i], fields[i+1]
			switch unit {
			case "ns/op":
				if ns, err := strconv.ParseFloat(value, 64); err == nil {
					result.NsPerOp = ns
				}
			case "B/op":
				if b, err := strconv.ParseInt(value, 10, 64); err == nil {
					result.BytesPerOp = b
				}
			case "allocs/op":
				if a, err := strconv.ParseInt(value, 10, 64); err == nil {
					result.AllocsPerOp = a
				}
			default:
				continue
			}
			i++
		}

		if result.NsPerOp > 0 {
			results = append(results, result)
		}
	}

	return results
}

// Category groups a benchmark for the report.
func Category(r BenchmarkResult) string {
	name := strings.ToLower(r.Name)
	switch {
	case strings.Contains(name, "secp256r1") || strings.Contains(name, "hash") ||
		strings.Contains(name, "merkle") || strings.Contains(name, "witness"):
		return "Cryptography"
	case strings.Contains(name, "payload") || strings.Contains(name, "message") ||
		strings.Contains(name, "recovery"):
		return "Messages"
	case strings.Contains(name, "consensus"):
		return "Consensus"
	default:
		return "Other"
	}
}

// FormatDuration formats nanoseconds into a human-readable duration.
func FormatDuration(ns float64) string {
	switch {
	case ns < 1000:
		return fmt.Sprintf("%.1f ns", ns)
	case ns < 1000000:
		return fmt.Sprintf("%.2f μs", ns/1000)
	case ns < 1000000000:
		return fmt.Sprintf("%.2f ms", ns/1000000)
	default:
		return fmt.Sprintf("%.2f s", ns/1000000000)
	}
}

// FormatOpsPerSec calculates and formats operations per second.
func FormatOpsPerSec(nsPerOp float64) string {
	if nsPerOp == 0 {
		return "N/A"
	}
	opsPerSec := 1000000000 / nsPerOp

	switch {
	case opsPerSec >= 1000000:
		return fmt.Sprintf("%.2fM", opsPerSec/1000000)
	case opsPerSec >= 1000:
		return fmt.Sprintf("%.1fK", opsPerSec/1000)
	default:
		return fmt.Sprintf("%.0f", opsPerSec)
	}
}
