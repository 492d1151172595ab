// Package cli implements the coursechat command line: the HTTP server and
// the offline ingestion, search and status commands that share its wiring.
package cli

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/course-rag-backend/internal/app"
	"github.com/tbourn/course-rag-backend/internal/config"
	"github.com/tbourn/course-rag-backend/internal/sysutil"
)

var (
	version = "dev"
	envFile string
	cfg     config.Config
)

// openApp builds the application for a command. Tests replace it.
var openApp = func(ctx context.Context, c config.Config) (*app.App, error) {
	return app.New(ctx, c)
}

var rootCmd = &cobra.Command{
	Use:   "coursechat",
	Short: "Course material retrieval and grounded chat",
	Long: `coursechat serves the course chat API and manages the material index.
Configuration comes from the environment, optionally seeded from a .env file.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
}

// loadConfig reads the dotenv file when present, then the environment, and
// installs the process logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	c, err := config.Load()
	if err != nil {
		return err
	}
	cfg = c
	sysutil.SetupLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogPretty)
	return nil
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}()
	return fn(a)
}

// Execute runs the root command with the build version v.
func Execute(v string) {
	version = sysutil.FirstNonEmpty(v, version)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
