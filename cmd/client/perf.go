package client

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/cmd/util"
	"github.com/ValentinKolb/slicerpc/rpc/client"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// PerfCmd benchmarks invocations against a server started with serve
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for slicerpc servers",
		Long:    util.WrapString("Run throughput benchmarks against the echo object of a server started with the serve command."),
		Args:    cobra.NoArgs,
		PreRunE: processPerfConfig,
		RunE:    runPerf,
	}
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfSkip             = make([]string, 0)
)

// benchmark is one named perf test. invoke runs a single invocation.
type benchmark struct {
	name   string
	invoke func(ctx context.Context) error
}

func init() {
	setupProxyFlags(PerfCmd)

	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. echo-large,oneway)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the payload of the echo-large test should be (in KB)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for slicerpc servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(comm.Config().String())
	fmt.Printf("Target:  %s\n", proxy)
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	benchmarks, err := perfBenchmarks(proxy.Encoding())
	if err != nil {
		return err
	}

	// establish the connection outside of the measurements
	if err := proxy.Ping(context.Background()); err != nil {
		return fmt.Errorf("target not reachable: %w", err)
	}

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult, len(benchmarks))
	for _, bm := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}
			b.SetParallelism(perfNumThreads)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				ctx := context.Background()
				for pb.Next() {
					if err := bm.invoke(ctx); err != nil {
						common.Backend().WithField("test", bm.name).Errorf("invocation failed: %v", err)
					}
				}
			})
		})
		results[bm.name] = result
		printResult(bm.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, benchmarks, results); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}
	return nil
}

// perfBenchmarks lists the benchmarks in execution order
func perfBenchmarks(enc encoding.Encoding) ([]benchmark, error) {
	small, err := protocol.EncodeArgs(enc, func(e *encoding.Encoder) { e.EncodeString("test") })
	if err != nil {
		return nil, err
	}
	large, err := protocol.EncodeArgs(enc, func(e *encoding.Encoder) {
		e.EncodeBytes(make([]byte, perfLargeValueSizeKB*1024))
	})
	if err != nil {
		return nil, err
	}

	echo := func(args []byte, opts ...client.InvokeOption) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := proxy.Invoke(ctx, "echo", args, opts...)
			return err
		}
	}
	return []benchmark{
		{name: "ping", invoke: proxy.Ping},
		{name: "echo", invoke: echo(small)},
		{name: "echo-idempotent", invoke: echo(small, client.Idempotent())},
		{name: "echo-large", invoke: echo(large)},
		{name: "oneway", invoke: echo(small, client.Oneway())},
	}, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, benchmarks []benchmark, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "Protocol", "Threads", "LargeValueSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	endpoints := make([]string, 0, len(proxy.Endpoints()))
	for _, ep := range proxy.Endpoints() {
		endpoints = append(endpoints, ep.String())
	}

	for _, bm := range benchmarks {
		result := results[bm.name]
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			bm.name,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(endpoints, ";"),
			proxy.Protocol().String(),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %v", err)
		}
	}
	return writer.Error()
}
