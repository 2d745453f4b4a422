// Package bench implements a throughput benchmark of the processing stages.
package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/cpuspec"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/pipeline"
	"github.com/tphakala/iqstream/internal/processor"
)

var (
	batches int
	stages  []string
)

// Command creates the bench command
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure processing throughput of each stage",
		Long:  "Run the synthetic tone through every processing stage as fast as the queue allows and report throughput and per-batch latency.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batches < 1 {
				return fmt.Errorf("batches must be at least 1, got %d", batches)
			}
			return Run(cmd, conf.GetSettings(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&batches, "batches", "n", 2000, "Batches to process per stage")
	cmd.Flags().StringSliceVar(&stages, "stages",
		[]string{processor.StageLMS, processor.StageBiquad, processor.StageGain, processor.StagePassthrough},
		"Stages to benchmark")

	return cmd
}

// Result is the outcome of one stage run
type Result struct {
	Stage      string
	Samples    uint64
	Elapsed    time.Duration
	MaxLatency time.Duration
	Overruns   uint64
}

// SamplesPerSecond is the sustained processing rate
func (r Result) SamplesPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Samples) / r.Elapsed.Seconds()
}

// benchSettings derives an isolated, unpaced tone run from base
func benchSettings(base *conf.Settings, stage string, n int) *conf.Settings {
	s := *base
	s.Frontend.Source = "tone"
	s.Frontend.Paced = false
	s.Frontend.Overflow = "wait"
	s.Frontend.Batches = n
	s.Frontend.Pulse.Enabled = false
	s.Filter.Stage = stage
	if stage == processor.StageLMS {
		s.Filter.Reference = processor.ReferenceALE
	}
	s.Spectral.Enabled = false
	s.Output.WAV.Enabled = false
	s.MQTT.Enabled = false
	s.API.Enabled = false
	s.Telemetry.Enabled = false
	s.Snapshot.Enabled = false
	return &s
}

// Run benchmarks each requested stage and prints a table to w
func Run(cmd *cobra.Command, settings *conf.Settings, w io.Writer) error {
	if settings == nil {
		return fmt.Errorf("settings not loaded")
	}
	spec := cpuspec.GetCPUSpec()
	fmt.Fprintf(w, "CPU: %s (%d logical cores, %s)\n", spec.BrandName, spec.LogicalCores, spec.SIMD)
	fmt.Fprintf(w, "Batch size: %d samples, %d batches per stage\n\n",
		settings.Frontend.BatchSize, batches)

	quiet := logger.Global().Module("bench")
	var results []Result
	for _, stage := range stages {
		p, err := pipeline.New(benchSettings(settings, stage, batches), pipeline.WithLogger(quiet))
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		start := time.Now()
		if err := p.Run(cmd.Context()); err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		m := p.Processor().Metrics()
		results = append(results, Result{
			Stage:      stage,
			Samples:    m.SamplesProcessed,
			Elapsed:    time.Since(start),
			MaxLatency: m.MaxLatency,
			Overruns:   m.Overruns,
		})
		if cmd.Context().Err() != nil {
			break
		}
	}

	fmt.Fprintf(w, "%-12s %14s %12s %12s %9s\n", "stage", "samples/s", "realtime", "max batch", "overruns")
	rate := float64(settings.Frontend.SampleRate)
	for _, r := range results {
		fmt.Fprintf(w, "%-12s %14.0f %11.1fx %12s %9d\n",
			r.Stage, r.SamplesPerSecond(), r.SamplesPerSecond()/rate, r.MaxLatency.Round(time.Microsecond), r.Overruns)
	}
	return nil
}
