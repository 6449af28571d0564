package config

import (
	"github.com/Masterminds/semver/v3"
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Arcane561/graal/wasmbuild/pkg/buildsys"
)

// DefaultFile is read from the working directory when no other file is passed
const DefaultFile = "wasmbuild.toml"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `default:"info" usage:"Log level (debug, info, warn, error)"`
		JSON  bool   `default:"false" usage:"Output JSON lines instead of coloured console messages"`
	}
	Toolchain struct {
		Dir      string   `usage:"Directory containing emcc; overrides EMCC_DIR"`
		Compiler string   `default:"emcc" usage:"Name of the compiler binary inside the toolchain directory"`
		Flags    []string `default:"-Os" usage:"Flags passed to every compiler invocation"`
		Version  string   `usage:"Semver constraint the toolchain has to satisfy (i.e. >= 2.0.0)"`
	}
	Build struct {
		Output string `usage:"Output base; overrides the suite's declaration"`
		Always bool   `default:"true" usage:"Rebuild every project on each run regardless of timestamps"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Command line
// flags are handled by cobra so aconfig only reads defaults, the given files and the environment.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags:        true,
		EnvPrefix:        "WASMBUILD",
		AllowUnknownEnvs: true,
		Files:            files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration and validates it
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Toolchain.Compiler == "" {
		return eris.New(`toolchain.compiler must not be empty`)
	}

	if cfg.Toolchain.Version != "" {
		_, err := semver.NewConstraint(cfg.Toolchain.Version)
		if err != nil {
			return eris.Wrapf(err, `Invalid value for toolchain.version: %s`, cfg.Toolchain.Version)
		}
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// TaskOptions maps the toolchain and build sections onto task options
func (cfg *Config) TaskOptions(env buildsys.Environ) buildsys.TaskOptions {
	flags := make([]string, len(cfg.Toolchain.Flags))
	copy(flags, cfg.Toolchain.Flags)

	return buildsys.TaskOptions{
		Env:               env,
		ToolchainDir:      cfg.Toolchain.Dir,
		Compiler:          cfg.Toolchain.Compiler,
		Flags:             flags,
		AlwaysRebuild:     cfg.Build.Always,
		VersionConstraint: cfg.Toolchain.Version,
	}
}
