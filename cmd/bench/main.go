// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main runs the RCU stress benchmark.
//
// One goroutine publishes a new value every update interval while a number of
// reader goroutines read the ring as fast as they can. At the end the tool
// prints how many updates and reads completed and the read rate per reader.
// Every run also checks that no reader saw a reclaimed or torn value; a
// violation makes the tool exit with status 2.
//
// # Usage
//
//	go run ./cmd/bench -p 8 -d 30s
//
// Flags:
//
//	-p <readers>    reader goroutines, 1..NumCPU (default GOMAXPROCS)
//	-d <duration>   run time (default 30s)
//	-i <interval>   pause between updates (default 10ms)
//	-n <slots>      ring capacity (default 10)
//	-w <window>     max handles each reader keeps pinned (default 0)
//	-sweep          also run 1, 2, 4, ... readers up to -p for a tenth of -d each
//	-prom           print Prometheus metrics after the main run
//
// Example output:
//
//	Running with 8 readers
//	 Updates: 2987
//	 Reads: 912345678
//	 Reads/reader/sec: 3801440
//
// # Dangers and Warnings
//
//   - **Metrics Overhead**: -prom attaches a metrics observer to the ring, which
//     adds a channel send to every read and lowers the read rate.
//   - **Hold Window**: a window larger than the ring can absorb makes updates
//     fail with an exhausted ring; those are counted, not fatal.
//
// # See Also
//
// For interactive exploration, see the REPL tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
	"github.com/kianostad/lfrcu/internal/monitoring/metrics"
	"github.com/kianostad/lfrcu/internal/stress"
)

func main() {
	def := stress.DefaultConfig()
	readers := flag.Int("p", def.Readers, "number of reader goroutines")
	duration := flag.Duration("d", def.Duration, "benchmark duration")
	interval := flag.Duration("i", def.UpdateInterval, "pause between updates")
	capacity := flag.Int("n", def.Capacity, "ring capacity")
	window := flag.Int("w", def.HoldWindow, "max handles each reader keeps pinned")
	sweep := flag.Bool("sweep", false, "run a reader scaling sweep first")
	prom := flag.Bool("prom", false, "print Prometheus metrics")
	flag.Parse()

	if *readers < 1 || *readers > runtime.NumCPU() {
		fmt.Fprintf(os.Stderr, "Error: Specify a minimum of 1 reader and not more than %d readers\n\n", runtime.NumCPU())
		flag.Usage()
		os.Exit(1)
	}
	if *duration <= 0 {
		fmt.Fprintf(os.Stderr, "Error: Duration must be positive\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *capacity < rcu.MinCapacity {
		fmt.Fprintf(os.Stderr, "Error: Ring capacity must be at least %d\n\n", rcu.MinCapacity)
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := stress.Config{
		Readers:        *readers,
		Duration:       *duration,
		UpdateInterval: *interval,
		Capacity:       *capacity,
		HoldWindow:     *window,
	}

	failed := false
	if *sweep {
		failed = runSweep(ctx, cfg)
	}

	var m *metrics.Metrics
	if *prom {
		m = metrics.NewMetrics()
		defer m.Close()
		cfg.Metrics = m
	}

	fmt.Printf("Running with %d readers\n", cfg.Readers)
	rep, err := stress.Run(ctx, cfg)
	printReport(rep)
	if m != nil && err == nil {
		fmt.Println()
		fmt.Print(m.ExportPrometheus())
	}

	switch {
	case errors.Is(err, stress.ErrViolation):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	case failed:
		os.Exit(2)
	}
}

func printReport(rep stress.Report) {
	fmt.Printf(" Updates: %d\n", rep.Updates)
	fmt.Printf(" Reads: %d\n", rep.Reads)
	fmt.Printf(" Reads/reader/sec: %.0f\n", rep.ReadsPerReaderPerSec())
	if rep.Exhausted > 0 {
		fmt.Printf(" Exhausted updates: %d\n", rep.Exhausted)
	}
	if rep.MaxHeld > 0 {
		fmt.Printf(" Max pinned generations: %d (max lag %d)\n", rep.MaxHeld, rep.MaxLag)
	}
	for _, note := range rep.ViolationNotes {
		fmt.Printf(" Violation: %s\n", note)
	}
}

// runSweep reports whether any run found a violation.
func runSweep(ctx context.Context, base stress.Config) bool {
	fmt.Println("Reader scaling")
	failed := false
	for n := 1; ; n *= 2 {
		if n > base.Readers {
			n = base.Readers
		}
		cfg := base
		cfg.Readers = n
		cfg.Duration = max(base.Duration/10, 10*time.Millisecond)
		start := time.Now()
		rep, err := stress.Run(ctx, cfg)
		elapsed := time.Since(start)
		fmt.Printf("   %d readers: %d reads in %v (%.0f reads/sec)\n",
			n, rep.Reads, elapsed.Round(time.Millisecond), float64(rep.Reads)/elapsed.Seconds())
		if err != nil {
			fmt.Fprintf(os.Stderr, "   Error: %v\n", err)
			failed = true
		}
		if n == base.Readers || ctx.Err() != nil {
			break
		}
	}
	fmt.Println()
	return failed
}
