// Package run implements the command that runs the streaming pipeline.
package run

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tphakala/iqstream/internal/buildinfo"
	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/cpuspec"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/pipeline"
	"github.com/tphakala/iqstream/internal/telemetry"
)

// Command creates the run command
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the streaming pipeline",
		Long:  "Start the sample source, time base, stream processor and outputs and run until interrupted or the input ends.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd, conf.GetSettings())
		},
	}

	if err := setupFlags(cmd); err != nil {
		panic(fmt.Sprintf("error setting up flags: %v", err))
	}
	return cmd
}

// flagKeys maps flags to the settings they override
var flagKeys = map[string]string{
	"source":    "frontend.source",
	"file":      "frontend.file",
	"rate":      "frontend.samplerate",
	"batches":   "frontend.batches",
	"paced":     "frontend.paced",
	"stage":     "filter.stage",
	"taps":      "filter.taps",
	"step-size": "filter.stepsize",
	"reference": "filter.reference",
	"record":    "output.wav.path",
	"listen":    "api.listen",
	"realtime":  "processor.realtime.enabled",
	"cpu":       "processor.realtime.cpu",
}

func setupFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	f.String("source", viper.GetString("frontend.source"), "Sample source (tone, raw, wav, flac, soundcard)")
	f.String("file", viper.GetString("frontend.file"), "Input file for wav and flac sources")
	f.Int("rate", viper.GetInt("frontend.samplerate"), "Sample rate in samples per second")
	f.Int("batches", viper.GetInt("frontend.batches"), "Stop the tone source after this many batches, 0 runs forever")
	f.Bool("paced", viper.GetBool("frontend.paced"), "Release file and tone samples at the sample rate")
	f.String("stage", viper.GetString("filter.stage"), "Processing stage (lms, biquad, gain, passthrough)")
	f.Int("taps", viper.GetInt("filter.taps"), "Adaptive filter length")
	f.Float64("step-size", viper.GetFloat64("filter.stepsize"), "Adaptive filter step size")
	f.String("reference", viper.GetString("filter.reference"), "LMS reference (ale, paired)")
	f.String("record", viper.GetString("output.wav.path"), "Record processed output to this WAV file")
	f.String("listen", viper.GetString("api.listen"), "Listen address of the control API")
	f.Bool("realtime", viper.GetBool("processor.realtime.enabled"), "Lock the processor to an OS thread and apply scheduling hints")
	f.Int("cpu", viper.GetInt("processor.realtime.cpu"), "CPU to pin the processor thread to, -1 for no affinity")

	var bindErr error
	f.VisitAll(func(fl *pflag.Flag) {
		if key, ok := flagKeys[fl.Name]; ok && bindErr == nil {
			bindErr = viper.BindPFlag(key, fl)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("error binding flags: %w", bindErr)
	}
	return nil
}

// Run builds the pipeline from settings and runs it until the command
// context is cancelled
func Run(cmd *cobra.Command, settings *conf.Settings) error {
	if settings == nil {
		return fmt.Errorf("settings not loaded")
	}
	if cmd.Flags().Changed("record") {
		settings.Output.WAV.Enabled = true
	}

	log := logger.Global().Module("main")
	build := buildinfo.Current()

	spec := cpuspec.GetCPUSpec()
	log.Info("starting iqstream",
		logger.String("version", build.Version),
		logger.String("cpu", spec.BrandName),
		logger.Int("logical_cores", spec.LogicalCores),
		logger.String("simd", spec.SIMD))
	if rt := settings.Processor.RealTime; rt.Enabled && rt.CPU < 0 {
		log.Info("processor thread not pinned",
			logger.Int("suggested_cpu", spec.PreferredCPU()))
	}

	p, err := pipeline.New(settings, pipeline.WithLogger(logger.Global().Module("pipeline")))
	if err != nil {
		return err
	}

	flush, err := telemetry.InitSentry(settings.Sentry, telemetry.Options{RunID: p.RunID(), Build: build})
	if err != nil {
		log.Warn("error telemetry unavailable", logger.Error(err))
	}
	defer flush()

	return p.Run(cmd.Context())
}
