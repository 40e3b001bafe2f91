// Command ringbench runs simulated ring all-reduce rounds
// and reports their virtual-time cost, optionally injecting
// a worker crash to exercise checkpoint recovery.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ujvl/ring-allreduce/allreduce"
	"github.com/ujvl/ring-allreduce/cluster"
)

var (
	numWorkers    int
	bufferSize    int
	iterations    int
	latency       float64
	rate          float64
	testFailure   bool
	checkResults  bool
	checkpointDir string
	verbose       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ringbench",
		Short: "Benchmark a simulated ring all-reduce",
		Long: `Ringbench drives repeated ring all-reduce rounds over a simulated
cluster and prints each round's virtual-time cost. With failure
injection enabled, one worker is crashed mid-round and recovered
from its latest checkpoint.`,
		RunE: run,
	}

	rootCmd.Flags().IntVar(&numWorkers, "workers", 3, "Number of ring workers")
	rootCmd.Flags().IntVar(&bufferSize, "size", 1000000, "Number of vector elements")
	rootCmd.Flags().IntVar(&iterations, "iterations", 10, "Number of all-reduce rounds")
	rootCmd.Flags().Float64Var(&latency, "latency", 1e-3, "Max random per-message latency (virtual seconds)")
	rootCmd.Flags().Float64Var(&rate, "rate", 1e9, "Network transfer rate (bytes per virtual second)")
	rootCmd.Flags().BoolVar(&testFailure, "test-failure", false, "Crash a worker mid-run and recover it")
	rootCmd.Flags().BoolVar(&checkResults, "check-results", false, "Verify every round's results")
	rootCmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "Persist checkpoints under this directory")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Log cluster activity to stderr")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if numWorkers < 2 {
		return fmt.Errorf("need at least 2 workers, got %d", numWorkers)
	}

	opts := []cluster.Option{
		cluster.WithNetwork(latency, rate),
	}
	if checkResults {
		opts = append(opts, cluster.WithVerification(0))
	}
	if testFailure {
		opts = append(opts, cluster.WithFailureInjection(iterations/2))
	}
	if checkpointDir != "" {
		opts = append(opts, cluster.WithCheckpointDir(checkpointDir))
	}
	if verbose {
		opts = append(opts, cluster.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))))
	}

	c, err := cluster.New(numWorkers, bufferSize, opts...)
	if err != nil {
		return err
	}

	results, err := c.Run(iterations)
	if err != nil {
		return err
	}

	fmt.Printf("| Round | Virtual time |\n")
	fmt.Printf("|:--|:--|\n")
	var total float64
	for i, result := range results {
		fmt.Printf("| %d | %f |\n", i, result.Elapsed)
		total += result.Elapsed
	}
	fmt.Printf("\n%d workers, %d elements, %d rounds: %f virtual seconds total\n",
		numWorkers, bufferSize, iterations, total)
	printCost(results)
	return nil
}

// printCost reports the bandwidth-optimality figure of the
// ring: bytes moved per node is 2(N-1)/N of the buffer, no
// matter how many nodes participate.
func printCost(results []*allreduce.RoundResult) {
	if len(results) == 0 {
		return
	}
	perNode := 2 * float64(numWorkers-1) / float64(numWorkers) * float64(bufferSize*8)
	fmt.Printf("per-node bytes moved per round: %.0f\n", perNode)
}
