// Package commands implements the remotefs command line.
package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/remotefs/remotefs/internal/config"
	"github.com/remotefs/remotefs/pkg/utils"
)

// Build information, set by the linker.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// CLI holds the state shared by all subcommands once the root command has
// loaded the configuration.
type CLI struct {
	out io.Writer
	err io.Writer

	configFile string
	logLevel   string
	logFormat  string

	config    *config.Configuration
	logCloser io.Closer
}

// Config returns the loaded configuration.
func (c *CLI) Config() *config.Configuration {
	return c.config
}

// NewRootCommand returns the remotefs command with every subcommand
// attached.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &CLI{out: out, err: errOut}

	cmd := &cobra.Command{
		Use:           "remotefs",
		Short:         "Mount a remote HTTP file API as a local filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initialize(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logCloser != nil {
				_ = c.logCloser.Close()
			}
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.StringVar(&c.logFormat, "log-format", "", "Log format (text or json)")

	cmd.AddCommand(
		newMountCommand(c),
		newServeCommand(c),
		newVersionCommand(c),
	)
	return cmd
}

// initialize loads configuration from defaults, the config file, the
// environment and finally the command line, then sets up logging.
func (c *CLI) initialize(flags *pflag.FlagSet) error {
	cfg := config.NewDefault()
	if c.configFile != "" {
		if err := cfg.LoadFromFile(c.configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if flags.Changed("log-level") {
		cfg.Global.LogLevel = strings.ToUpper(c.logLevel)
	}
	if flags.Changed("log-format") {
		cfg.Global.LogFormat = strings.ToLower(c.logFormat)
	}

	logSize, err := cfg.LogMaxSizeBytes()
	if err != nil {
		return err
	}
	closer, err := utils.SetupLogging(utils.LogOptions{
		Level:      cfg.Global.LogLevel,
		File:       cfg.Global.LogFile,
		Format:     cfg.Global.LogFormat,
		MaxSize:    logSize,
		MaxBackups: cfg.Global.LogMaxBackups,
		Compress:   cfg.Global.LogCompress,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	c.logCloser = closer
	c.config = cfg

	logrus.WithFields(logrus.Fields{
		"config_file": c.configFile,
		"log_level":   cfg.Global.LogLevel,
	}).Debug("Configuration loaded")
	return nil
}

func newVersionCommand(c *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the remotefs version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.out, "remotefs %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
			return nil
		},
	}
}
