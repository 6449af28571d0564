// Package cmd implements the wasmbuild CLI
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg"
	"github.com/Arcane561/graal/wasmbuild/pkg/buildsys"
	"github.com/Arcane561/graal/wasmbuild/pkg/config"
)

var (
	cfgFile  string
	logLevel string
	jsonLog  bool

	cfg    *config.Config
	logger = zerolog.New(NewConsoleWriter())
)

var rootCmd = &cobra.Command{
	Use:   "wasmbuild",
	Short: "Compiles C sources to WebAssembly with Emscripten",
	Long: `wasmbuild reads the nearest suite.star file and compiles each project's C sources
to .js and .wasm files with the emcc binary found in EMCC_DIR.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFiles()...)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Log.Level = logLevel
			err = cfg.Validate()
			if err != nil {
				return err
			}
		}
		if jsonLog {
			cfg.Log.JSON = true
		}

		if cfg.Log.JSON {
			logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(NewConsoleWriter())
		}
		logger = logger.Level(cfg.LogLevel())
		zlog.Logger = logger
		return nil
	},
}

// configFiles returns the explicitly passed config file or wasmbuild.toml if it exists in the working directory
func configFiles() []string {
	if cfgFile != "" {
		return []string{cfgFile}
	}

	_, err := os.Stat(config.DefaultFile)
	if err != nil {
		return nil
	}
	return []string{config.DefaultFile}
}

func appContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return buildsys.WithLogger(ctx, &logger)
}

// loadSuite splits args into project names and KEY=VALUE options and loads the nearest suite file
func loadSuite(ctx context.Context, args []string) (*buildsys.Suite, []string, error) {
	names, options := splitArgs(args)

	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, eris.Wrap(err, "Failed to retrieve the current working directory")
	}

	suitePath, err := pkg.FindSuiteFile(wd)
	if err != nil {
		return nil, nil, err
	}

	if rel, err := filepath.Rel(wd, suitePath); err == nil {
		suitePath = rel
	}

	suite, err := buildsys.LoadSuite(ctx, suitePath, options)
	if err != nil {
		return nil, nil, eris.Wrap(err, "Failed to load suite")
	}

	return suite, names, nil
}

func splitArgs(args []string) ([]string, map[string]string) {
	names := make([]string, 0, len(args))
	options := make(map[string]string)
	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			names = append(names, part)
		}
	}

	return names, options
}

func runOptions() buildsys.RunOptions {
	return buildsys.RunOptions{
		Task:       cfg.TaskOptions(buildsys.CurrentEnviron()),
		OutputBase: cfg.Build.Output,
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json", false, "print log messages as JSON lines")
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
