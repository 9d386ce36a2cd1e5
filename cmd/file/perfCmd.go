package file

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/dStor/cmd/util"
	"github.com/ValentinKolb/dStor/rpc/client"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for storage targets",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads = 8
	perfFileSize   int64
	perfBlockSize  int64
	perfDuration   = 10 * time.Second
	perfSkip       = make([]string, 0)
)

// perfResult holds the measurements of one benchmark
type perfResult struct {
	name    string
	skipped bool
	timer   gometrics.Timer
	bytes   gometrics.Meter
	errors  gometrics.Counter
	elapsed time.Duration
}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. write,read)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 8, util.WrapString("Number of concurrent workers"))
	key = "file-size"
	perfTestCmd.Flags().String(key, "64MiB", util.WrapString("Size of the striped file each worker writes and reads"))
	key = "block-size"
	perfTestCmd.Flags().String(key, "1MiB", util.WrapString("Size of one write or read call"))
	key = "duration"
	perfTestCmd.Flags().Duration(key, 10*time.Second, util.WrapString("How long each benchmark runs"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var err error
	if perfFileSize, err = util.ParseSize(viper.GetString("file-size")); err != nil {
		return err
	}
	if perfBlockSize, err = util.ParseSize(viper.GetString("block-size")); err != nil {
		return err
	}
	if perfBlockSize <= 0 || perfBlockSize > perfFileSize {
		return fmt.Errorf("block size must be between 1 and the file size")
	}
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfDuration = viper.GetDuration("duration")
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func runPerf(cmd *cobra.Command, _ []string) error {
	stripe, err := util.GetStripe()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Performance testing tool for storage targets")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintln(out, clientConfig.String())
	fmt.Fprintf(out, "Threads: %d, file size: %s, block size: %s, duration: %s\n\n",
		perfNumThreads, humanize.IBytes(uint64(perfFileSize)), humanize.IBytes(uint64(perfBlockSize)), perfDuration)

	ctx, cancel := commandContext()
	defer cancel()

	// every worker gets its own file
	handles := make([]string, perfNumThreads)
	for i := range handles {
		handles[i] = "perf-" + uuid.NewString()
	}

	blocks := perfFileSize / perfBlockSize
	var results []*perfResult

	results = append(results, benchmark(ctx, "write", func(ctx context.Context, worker int, i int64) (int64, error) {
		buf := make([]byte, perfBlockSize)
		return storageClient.Write(ctx, handles[worker], stripe, (i%blocks)*perfBlockSize, buf)
	}))

	// the read benchmark needs the files to exist
	if !shouldSkip("read") && shouldSkip("write") {
		if err := fill(ctx, stripe, handles); err != nil {
			return err
		}
	}
	results = append(results, benchmark(ctx, "read", func(ctx context.Context, worker int, i int64) (int64, error) {
		buf := make([]byte, perfBlockSize)
		return storageClient.Read(ctx, handles[worker], stripe, (i%blocks)*perfBlockSize, buf)
	}))

	results = append(results, benchmark(ctx, "fsync", func(ctx context.Context, worker int, _ int64) (int64, error) {
		return 0, storageClient.Fsync(ctx, handles[worker], stripe)
	}))

	for _, r := range results {
		printResult(cmd, r)
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Fprintf(out, "\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, stripe); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Fprintln(out, "Export complete")
	}

	return ctx.Err()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// benchmark runs op on all workers until the benchmark duration is over
func benchmark(ctx context.Context, name string, op func(ctx context.Context, worker int, i int64) (int64, error)) *perfResult {
	r := &perfResult{
		name:    name,
		timer:   gometrics.NewTimer(),
		bytes:   gometrics.NewMeter(),
		errors:  gometrics.NewCounter(),
		skipped: shouldSkip(name),
	}
	defer r.bytes.Stop()
	if r.skipped || ctx.Err() != nil {
		r.skipped = true
		return r
	}

	ctx, cancel := context.WithTimeout(ctx, perfDuration)
	defer cancel()

	start := time.Now()
	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < perfNumThreads; w++ {
		w := w
		group.Go(func() error {
			for i := int64(0); ctx.Err() == nil; i++ {
				opStart := time.Now()
				n, err := op(ctx, w, i)
				if err != nil {
					if ctx.Err() == nil {
						r.errors.Inc(1)
						fmt.Fprintf(os.Stderr, "(%s) - worker %d: %v\n", name, w, err)
					}
					continue
				}
				r.timer.UpdateSince(opStart)
				r.bytes.Mark(n)
			}
			return nil
		})
	}
	_ = group.Wait()
	r.elapsed = time.Since(start)
	return r
}

// fill writes the complete files of all workers
func fill(ctx context.Context, stripe client.Stripe, handles []string) error {
	group, ctx := errgroup.WithContext(ctx)
	data := make([]byte, perfFileSize)
	for _, h := range handles {
		h := h
		group.Go(func() error {
			_, err := storageClient.Write(ctx, h, stripe, 0, data)
			return err
		})
	}
	return group.Wait()
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// throughput returns bytes per second over the runtime of r
func (r *perfResult) throughput() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.bytes.Count()) / r.elapsed.Seconds()
}

// opsPerSec returns completed operations per second over the runtime of r
func (r *perfResult) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

// printResult prints the result of a benchmark in a formatted way
func printResult(cmd *cobra.Command, r *perfResult) {
	out := cmd.OutOrStdout()
	if r.skipped || r.timer.Count() == 0 {
		fmt.Fprintf(out, "%-10sskipped\n", r.name)
		return
	}

	ps := r.timer.Percentiles([]float64{0.5, 0.99})
	fmt.Fprintf(out, "%-10s%8.0f ops/sec %10s/s\tp50 %s\tp99 %s\terrors %d\n",
		r.name, r.opsPerSec(), humanize.IBytes(uint64(r.throughput())),
		time.Duration(ps[0]), time.Duration(ps[1]), r.errors.Count())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []*perfResult, stripe client.Stripe) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Skipped", "Ops", "OpsPerSec", "BytesPerSec", "MeanNs", "P50Ns", "P99Ns", "Errors",
		"Targets", "ChunkSize", "Mirrored", "Serializer", "Transport",
		"Threads", "FileSize", "BlockSize", "ConnsPerNode", "MaxRetries",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	targets := make([]string, len(stripe.Targets))
	for i, t := range stripe.Targets {
		targets[i] = strconv.FormatUint(uint64(t), 10)
	}

	for _, r := range results {
		ps := r.timer.Percentiles([]float64{0.5, 0.99})
		row := []string{
			r.name,
			strconv.FormatBool(r.skipped),
			strconv.FormatInt(r.timer.Count(), 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			fmt.Sprintf("%.0f", r.throughput()),
			fmt.Sprintf("%.0f", r.timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			strconv.FormatInt(r.errors.Count(), 10),
			strings.Join(targets, ";"),
			strconv.FormatInt(stripe.ChunkSize, 10),
			strconv.FormatBool(stripe.Mirrored),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.FormatInt(perfFileSize, 10),
			strconv.FormatInt(perfBlockSize, 10),
			strconv.Itoa(clientConfig.Transport.MaxConnsPerNode),
			strconv.Itoa(clientConfig.Engine.MaxRetries),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return nil
}
