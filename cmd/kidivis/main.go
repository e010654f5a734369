package main

import (
	"errors"
	"os"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kidivis [files...]",
		Short: "Visual diff server for KiCad boards and schematics",
		Long: "Serves overlays of two versions of a KiCad project. Versions are git revisions,\n" +
			"timestamped backup archives or the working copy (WORK). Pass a project\n" +
			"directory or any of its .kicad_pro, .kicad_pcb and .kicad_sch files.",
		Args: cobra.MinimumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), args)
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newLogCommand(),
		newSnapshotsCommand(),
		newSheetsCommand(),
		newOverlayCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("host", defaults.GetString("server.host"), "HTTP listen host")
	cmd.PersistentFlags().Int("port", defaults.GetInt("server.port"), "HTTP listen port")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warning, error, critical)")
	cmd.PersistentFlags().String("kicad-cli", defaults.GetString("common.kicad_cli"), "Path to kicad-cli")
	cmd.PersistentFlags().String("layers", defaults.GetString("common.layers"), "Space separated board layers to compare")
	cmd.PersistentFlags().String("history-backend", defaults.GetString("history.backend"), "Git history backend (gogit, cli)")
	cmd.PersistentFlags().String("workspace-dir", defaults.GetString("workspace.base_dir"), "Parent directory of the temporary workspace")
	cmd.PersistentFlags().Bool("watch", defaults.GetBool("watch.working_copy"), "Watch the working copy and refresh renders on change")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Render journal SQLite path (default: inside the workspace)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret; enables auth (overrides env)")

	bindFlag(cmd, "server.host", "host")
	bindFlag(cmd, "server.port", "port")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "common.kicad_cli", "kicad-cli")
	bindFlag(cmd, "common.layers", "layers")
	bindFlag(cmd, "history.backend", "history-backend")
	bindFlag(cmd, "workspace.base_dir", "workspace-dir")
	bindFlag(cmd, "watch.working_copy", "watch")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("kidivis")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
