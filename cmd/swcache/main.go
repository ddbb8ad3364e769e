package main

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFileFlag     string
	originFlag         string
	listenFlag         string
	dbFilenameFlag     string
	cacheVersionFlag   string
	storagePolicyFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "swcache",
	Short: "Offline-first caching proxy for a web page and its assets.",
	Long: `swcache sits between a page and the network. Same-origin and allow-listed
assets are served cache-first, media files are kept once fetched and a
precache list is stored on install, so the page keeps working offline.

Pages control the cache by posting JSON messages to /.swcache/message.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		config, err := swcache.LoadConfig(configFileFlag)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("origin") {
			config.Origin = originFlag
		}
		if flags.Changed("listen") {
			config.Listen = listenFlag
		}
		if flags.Changed("db") {
			config.DB = dbFilenameFlag
		}
		if flags.Changed("cache-version") {
			config.Version = cacheVersionFlag
		}
		if flags.Changed("storage-policy") {
			config.StoragePolicy = swcache.StoragePolicy(storagePolicyFlag)
		}
		return serve(cmd.Context(), config)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFileFlag, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVar(&originFlag, "origin", "", "Origin of the page, e.g. https://player.example.com")
	rootCmd.Flags().StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	rootCmd.Flags().StringVar(&dbFilenameFlag, "db", "swcache.db", "Cache DB file name (use 'memory' for in-memory db)")
	rootCmd.Flags().StringVar(&cacheVersionFlag, "cache-version", "v1", "Deployed version, part of the cache names")
	rootCmd.Flags().StringVar(&storagePolicyFlag, "storage-policy", string(swcache.StoragePolicyLegacy), "Which network responses to store: legacy or strict")
	rootCmd.Flags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.Flags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()
}

func serve(ctx context.Context, config swcache.Config) error {
	settings, err := config.Compile()
	if err != nil {
		return err
	}

	// set up sqlite memory provider
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		return err
	}
	defer storage.Close()

	reg := swcache.NewRegistration(settings.Origin, &log.Logger, nil)
	worker := swcache.NewWorker(swcache.Options{
		Settings: settings,
		Storage:  storage,
		Logger:   &log.Logger,
	})
	if err := reg.Register(ctx, worker); err != nil {
		// pages stay uncontrolled and go to the network
		log.Error().Err(err).Msg("Could not register worker")
	}

	log.Info().Msgf("Serving %s on %s", settings.Origin.String(), config.Listen)
	return http.ListenAndServe(config.Listen, reg.Handler())
}
