package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"netbench/internal/config"
	"netbench/internal/session"
	"netbench/internal/stats"
)

var (
	version      = "1.0.0"
	settingsFile string
)

// shutdownGrace is how long a signalled process waits for the running
// session to wind down before exiting anyway.
const shutdownGrace = 3 * time.Second

// flagKeys maps CLI flags onto viper keys.
var flagKeys = []struct{ flag, key string }{
	{"config", "input.config_file"},
	{"wait", "input.wait"},
	{"format", "output.format"},
	{"report-interval", "stats.report_interval_sec"},
	{"export", "stats.export_file"},
	{"log-level", "logging.level"},
	{"log-file", "logging.file"},
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "netbench",
		Short: "Network throughput benchmark over TCP, UDP and raw IP",
		Long: `netbench runs measurement sessions between a client and a server. Session
entries are JSON objects read from the --config file or from stdin; each entry
runs to completion before the next one is read.`,
		Version:      version,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVar(&settingsFile, "settings", "", "Application settings file (default: ./netbench.yaml)")

	rootCmd.Flags().StringP("config", "c", "", "Session stream file (default: stdin)")
	rootCmd.Flags().Bool("wait", false, "Wait for enter before running a session file")
	rootCmd.Flags().StringP("format", "f", "pretty", "Event output format (pretty|json|yaml)")
	rootCmd.Flags().Float64("report-interval", 1.0, "Report interval in seconds (0 disables reports)")
	rootCmd.Flags().String("export", "", "Write a JSON summary of finished sessions to this file")
	rootCmd.Flags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.Flags().String("log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(newInspectCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
	} else {
		v.SetConfigName("netbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if settingsFile != "" {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Debug("No settings file found, using defaults and CLI flags")
	}

	// CLI flags override the settings file
	bindViperFlags(v, cmd)

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// stdout carries the event stream only
	fmt.Fprintf(os.Stderr, "netbench v%s\n", version)
	fmt.Fprint(os.Stderr, cfg.Summary())

	format, err := stats.NewFormat(cfg.Output.Format, os.Stdout)
	if err != nil {
		return err
	}
	printer := stats.NewPrinter(format, os.Stdout)
	opts := session.Options{
		ReportInterval: cfg.Stats.ReportInterval(),
		Listener:       printer,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		select {
		case <-sigCh:
		case <-time.After(shutdownGrace):
		}
		log.Warn("Session did not stop in time, exiting")
		os.Exit(0)
	}()

	input, closeInput, err := openInput(cfg.Input)
	if err != nil {
		return err
	}
	defer closeInput()

	runErr := runSessions(ctx, config.NewStreamDecoder(input), opts)

	if err := printer.ExportJSON(cfg.Stats.ExportFile); err != nil {
		log.WithError(err).Warn("Failed to export statistics")
	}
	return runErr
}

// runSessions runs every entry of the stream in order. A failing entry is
// logged and skipped; an undecodable stream stops the loop.
func runSessions(ctx context.Context, dec *config.StreamDecoder, opts session.Options) error {
	for entry := 1; ctx.Err() == nil; entry++ {
		cfg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("session entry %d: %w", entry, err)
		}

		if err := session.Run(ctx, cfg, opts); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"entry":     entry,
				"transport": cfg.Transport,
			}).Error("Session entry failed")
		}
	}
	return nil
}

func openInput(in config.InputConfig) (io.Reader, func(), error) {
	if in.ConfigFile == "" {
		return os.Stdin, func() {}, nil
	}

	if in.Wait {
		fmt.Fprintln(os.Stderr, "Press enter to start")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Fprintln(os.Stderr, "Started")
	}

	f, err := os.Open(in.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using stderr only")
		} else {
			log.SetOutput(f)
		}
	}
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, fk := range flagKeys {
		f := cmd.Flags().Lookup(fk.flag)
		if f != nil && f.Changed {
			v.Set(fk.key, f.Value.String())
		}
	}
}
