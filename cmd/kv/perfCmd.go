package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/wstore/cmd/util"
	"github.com/ValentinKolb/wstore/lib/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for the storage engine",
		Long: util.WrapString("Runs a set of benchmarks against the table of the selected origin. " +
			"The large-value benchmark usually exceeds the default origin quota, " +
			"run it with --yes or --origin-quota=-1 to avoid prompts."),
		PreRunE: processPerfConfig,
		RunE:    withStore(run),
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// perfTest is one benchmark. prepare runs before the timer starts, op is
// called concurrently with a per-goroutine counter.
type perfTest struct {
	name    string
	prepare bool
	op      func(ctx context.Context, counter int) error
}

func run(ctx context.Context, _ *cobra.Command, _ []string) error {
	// benchmarks may take much longer than a single operation
	ctx = context.WithoutCancel(ctx)

	fmt.Println("Performance testing tool for the storage engine")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	config := util.GetEngineConfig()
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("staring tests...")

	largeValue := strings.Repeat("x", perfLargeValueSizeKB*1024)

	tests := []perfTest{
		{name: "set", op: func(ctx context.Context, i int) error {
			_, err := localStore.SetItem(ctx, perfKey("set", i), "test")
			return err
		}},
		{name: "set-large", op: func(ctx context.Context, i int) error {
			_, err := localStore.SetItem(ctx, perfKey("set-large", i), largeValue)
			return err
		}},
		{name: "get", prepare: true, op: func(ctx context.Context, i int) error {
			_, _, err := localStore.GetItem(ctx, perfKey("get", i))
			return err
		}},
		{name: "get-not", op: func(ctx context.Context, i int) error {
			_, _, err := localStore.GetItem(ctx, perfKey("get-not", i))
			return err
		}},
		{name: "remove", prepare: true, op: func(ctx context.Context, i int) error {
			_, err := localStore.RemoveItem(ctx, perfKey("remove", i))
			return err
		}},
		{name: "key", prepare: true, op: func(ctx context.Context, i int) error {
			_, _, err := localStore.Key(ctx, i%perfKeySpread)
			return err
		}},
		{name: "length", op: func(ctx context.Context, _ int) error {
			_, err := localStore.Length(ctx)
			return err
		}},
		{name: "mixed", prepare: true, op: func(ctx context.Context, i int) error {
			key := perfKey("mixed", i)
			var err error
			switch i % 4 {
			case 0: // set
				_, err = localStore.SetItem(ctx, key, "test")
			case 1: // get
				_, _, err = localStore.GetItem(ctx, key)
			case 2: // remove
				_, err = localStore.RemoveItem(ctx, key)
			case 3: // length
				_, err = localStore.Length(ctx)
			}
			return err
		}},
	}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	for _, test := range tests {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(test.name) {
				return
			}

			// set keys
			if test.prepare {
				for i := 0; i < perfKeySpread; i++ {
					if _, err := localStore.SetItem(ctx, perfKey(test.name, i), "test"); err != nil {
						log.Printf("(%s) - error setting key: %v\n", test.name, err)
					}
				}
			}

			// cleanup
			b.Cleanup(func() {
				for i := 0; i < perfKeySpread; i++ {
					if _, err := localStore.RemoveItem(ctx, perfKey(test.name, i)); err != nil {
						log.Printf("(%s) - error removing key: %v\n", test.name, err)
					}
				}
			})

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := test.op(ctx, counter); err != nil {
						log.Printf("(%s) - error performing operation: %v\n", test.name, err)
					}
					counter++
				}
			})
		})

		results[test.name] = result
		printResult(test.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// perfKey returns the i-th test key of a benchmark (with wraparound)
func perfKey(prefix string, i int) string {
	return fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i%perfKeySpread)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config common.EngineConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Backend", "Codec", "FlushDelay", "Origin", "Type",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			string(config.Backend),
			config.Codec,
			config.FlushDelay.String(),
			viper.GetString("origin"),
			viper.GetString("type"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
