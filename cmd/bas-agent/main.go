package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	configEnv  = "BASAGENTCONFIG"
	configName = "bas-agent.yaml"
)

var (
	userConfigPath string // /default/config/path/bas-agent on given OS
	configPath     string // actual config file used (if loaded)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

var rootCmd = &cobra.Command{
	Use:          "bas-agent",
	Short:        "Breach and attack simulation agent scanning and exploiting the network",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and executes one propagation round",
	RunE:  doRun,
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "targets prints the addresses the agent would scan",
	RunE:  doTargets,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides a version of bas-agent",
	RunE:  doVersion,
}

func init() {
	// user configuration
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "bas-agent")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages and usage
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, err := rootCmd.ExecuteContextC(ctx)
	stop()
	if err != nil {
		slog.Error("bas-agent failed", "err", err)
		if strings.HasPrefix(err.Error(), "unknown command") {
			_ = rootCmd.Help() // ./cmd bflmp
		} else {
			_ = cmd.Help() // ./cmd run gfagf (extra arg)
		}
		os.Exit(1)
	}
}

func doVersion(cmd *cobra.Command, args []string) error {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return fmt.Errorf("bas-agent: version info not available")
	}

	if configPath != "" {
		fmt.Printf("config: %s\n", configPath)
	}
	fmt.Printf("bas-agent: %s\n", info.Main.Version)
	fmt.Printf("go:        %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Printf("commit:    %s\n", s.Value)
		case "vcs.time":
			fmt.Printf("date:      %s\n", s.Value)
		case "vcs.modified":
			fmt.Printf("dirty:     %s\n", s.Value)
		}
	}
	fmt.Println()

	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unsupported arguments: %s", strings.Join(args, ", "))
	}
	config, closeLog, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := log.ContextAttrs(cmd.Context(), slog.Group("bas-agent",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	slog.DebugContext(ctx, "", "config", config)

	agent, err := NewAgent(ctx, config)
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}

func doTargets(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unsupported arguments: %s", strings.Join(args, ", "))
	}
	config, closeLog, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := log.ContextAttrs(cmd.Context(), slog.Group("bas-agent",
		slog.String("cmd", "targets"),
		slog.Int("pid", os.Getpid()),
	))
	agent, err := NewAgent(ctx, config)
	if err != nil {
		return err
	}
	return agent.PrintTargets(ctx, cmd.OutOrStdout())
}

// loadConfig finds the configuration, the --config flag has the highest
// priority followed by $BASAGENTCONFIG, ./bas-agent.yaml and the user config
// directory. The default configuration is stored when none exists.
func loadConfig(_ *cobra.Command, _ []string) (model.Config, func(), error) {
	if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var config model.Config
	nop := func() {}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			return config, nop, err
		}
	} else {
		var err error
		config, err = model.LoadConfigFromPath(configPath)
		if err != nil {
			return config, nop, err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, err := log.Open(config.Service.Log)
	if err != nil {
		return config, nop, err
	}
	slog.SetDefault(log.NewWriter(w, config.Service.Verbose))

	slog.Debug("bas-agent", "configPath", configPath)
	return config, func() { _ = w.Close() }, nil
}

func storeConfig(path string, config model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return writeConfig(f, config)
}

func writeConfig(w io.Writer, config model.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(config); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
