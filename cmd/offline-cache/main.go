package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"lukechampine.com/blake3"

	offlinecache "github.com/offline-cache/offline-cache"
	precache "github.com/offline-cache/offline-cache/pkg/precache-manifest"
)

// this is set by goreleaser
var version string

type serverFlags struct {
	config      string
	port        int
	origin      string
	host        string
	appHost     string
	manifest    string
	tag         string
	db          string
	watch       bool
	skipWaiting bool
	trace       bool
	logFile     string
}

var rootCmd = &cobra.Command{
	Use:   "offline-cache",
	Short: "Offline-first caching gateway in front of an origin server.",
}

func init() {
	if version == "" {
		version = "DEV"
	}

	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file]",
		Short: "Start the gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.config, "config", "c", "", "config file")
	fs.IntVar(&sf.port, "port", 8080, "Port to listen on")
	fs.StringVar(&sf.origin, "origin", "", "Origin URL to front")
	fs.StringVar(&sf.host, "host", "", "Hostname of origin (if the origin URL is an address)")
	fs.StringVar(&sf.appHost, "app-host", "", "Public host of the application")
	fs.StringVar(&sf.manifest, "manifest", "", "Precache manifest file")
	fs.StringVar(&sf.tag, "tag", "", "Version tag to deploy (default: derived from the manifest)")
	fs.StringVar(&sf.db, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	fs.BoolVar(&sf.watch, "watch", false, "Redeploy when the manifest file changes")
	fs.BoolVar(&sf.skipWaiting, "skip-waiting", false, "Promote new versions without waiting for clients to close")
	fs.BoolVar(&sf.trace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&sf.logFile, "log-file", "", "Log file to use (in addition to stdout)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(sf *serverFlags) error {
	cfg, err := loadConfig(sf.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.applyFlags(sf)

	logger, err := newLogger(cfg.Log, sf.trace)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}

	if cfg.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin url: %w", err)
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer store.Close()

	gw, err := offlinecache.New(offlinecache.Config{
		Store:       store,
		OriginURL:   *originURL,
		OriginHost:  cfg.OriginHost,
		AppHost:     cfg.AppHost,
		Logger:      &logger,
		SkipWaiting: cfg.SkipWaiting,
		ShellPath:   cfg.ShellPath,
		OfflinePath: cfg.OfflinePath,
		APIPrefixes: cfg.APIPrefixes,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	if cfg.Manifest != "" {
		// a failed install is not fatal: the gateway passes requests
		// through until a deploy succeeds
		if err := deployManifest(gw, cfg.Manifest, cfg.Tag); err != nil {
			logger.Error().Err(err).Msg("Could not deploy manifest, serving uncached")
		}
	} else {
		logger.Warn().Msg("No manifest configured, serving uncached")
	}

	if cfg.Watch {
		if cfg.Manifest == "" {
			return errors.New("watch mode needs a manifest file")
		}
		go watchManifest(cfg.Manifest, logger, func() {
			if err := deployManifest(gw, cfg.Manifest, ""); err != nil {
				logger.Error().Err(err).Msg("Could not deploy changed manifest")
			}
		})
	}

	logger.Info().
		Str("listen", cfg.Listen).
		Str("origin", originURL.String()).
		Str("originHost", cfg.OriginHost).
		Msg("Gateway listening")
	return http.ListenAndServe(cfg.Listen, newAdminRouter(gw, logger))
}

// deployManifest loads the manifest file and deploys it. With no fixed tag,
// the tag is derived from the asset list, so an unchanged list maps to the
// already-active version: that case refreshes the precache contents instead
// of reinstalling.
func deployManifest(gw *offlinecache.Controller, path, tag string) error {
	m, err := precache.Load(path)
	if err != nil {
		return err
	}
	if tag == "" {
		tag = manifestTag(m)
	}
	if s := gw.Status(); s.Active != nil && s.Active.Tag == tag {
		return gw.TriggerSync(offlinecache.SyncTagRefreshPrecache)
	}
	return gw.Deploy(context.Background(), tag, m)
}

func manifestTag(m precache.Manifest) string {
	sum := blake3.Sum256([]byte(strings.Join(m.Assets, "\n")))
	return "m-" + hex.EncodeToString(sum[:])[:12]
}

func newLogger(cfg LogConfig, trace bool) (zerolog.Logger, error) {
	logLevel := zerolog.DebugLevel
	if cfg.Level != "" {
		var err error
		logLevel, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
		}
	}
	if trace {
		logLevel = zerolog.TraceLevel
	}

	// log to stdout, and to a rotated log file if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.File != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	logger := zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return logger, nil
}
