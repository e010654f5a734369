package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/auth"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/config"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/logging"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/overlay"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/project"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/schematic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// loadForCommand reads configuration and builds a logger for the auxiliary
// subcommands.
func loadForCommand() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log [files...]",
		Short: "Print the commit history of the project's repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadForCommand()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			found, err := discoverSources(appConfig, args, logger)
			if err != nil {
				return err
			}
			reader := found.historyReader(logger)
			if reader == nil {
				return fmt.Errorf("%s is not inside a git repository", found.project.Dir)
			}
			commits, err := reader.ReadHistory(cmd.Context())
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, commit := range commits {
				refs := ""
				if commit.Refs != "" {
					refs = "(" + commit.Refs + ")"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s %s\n", commit.ShortHash(), commit.AuthorDate, commit.AuthorName, commit.Subject, refs)
			}
			return writer.Flush()
		},
	}
}

func newSnapshotsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots [files...]",
		Short: "List the backup snapshots of the project, newest first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadForCommand()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			found, err := discoverSources(appConfig, args, logger)
			if err != nil {
				return err
			}
			ids, err := found.catalog.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "no snapshots in %s\n", found.catalog.Dir())
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newSheetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sheets [files...]",
		Short: "Print the hierarchical sheets of the project's schematic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := project.Discover(args)
			if err != nil {
				return err
			}
			if !proj.HasSchematic() {
				return fmt.Errorf("project %s has no schematic", proj.Stem)
			}
			sheets, err := schematic.SheetsRecursive(proj.SchematicPath)
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(writer, "%s\t%s\n", proj.SchematicStem(), proj.SchematicName())
			for _, sheet := range sheets {
				fmt.Fprintf(writer, "%s\t%s\n", sheet.Stem(), sheet.File)
			}
			return writer.Flush()
		},
	}
}

func newOverlayCommand() *cobra.Command {
	var onlySVGTag bool
	cmd := &cobra.Command{
		Use:   "overlay OLD NEW",
		Short: "Superimpose two SVG renderings, OLD in red and NEW in cyan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadForCommand()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			bottom, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			top, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			document, err := overlay.NewGenerator(logger).Overlay(string(bottom), string(top), onlySVGTag)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), document)
			return err
		},
	}
	cmd.Flags().BoolVar(&onlySVGTag, "only-svg-tag", false, "Print only the <svg> element, without XML or doctype declarations")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a server started with a signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.AuthEnabled() {
				return fmt.Errorf("auth.signing_secret is not configured")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(strings.TrimSpace(subject))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s; open /?%s=<token> once to store it as a cookie\n",
				expiresAt.Format("2006-01-02 15:04:05 MST"), auth.QueryParameter)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "reviewer", "Subject recorded in the token")
	return cmd
}
