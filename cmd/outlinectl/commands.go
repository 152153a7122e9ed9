package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"outliner/api/internal/app"
	"outliner/api/internal/config"
	"outliner/api/internal/logging"
	"outliner/api/internal/store"
)

type cliOptions struct {
	configPath string
	project    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "outlinectl",
		Short:         "Maintain outline projects: migrations, history, export and import",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("OUTLINE_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVarP(&opts.project, "project", "p", "", "project name (defaults to the configured project)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newMigrateCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newHistoryCmd(opts),
		newCheckpointCmd(opts),
		newRestoreCmd(opts),
	)
	return root
}

// session is an opened runtime bound to the selected project.
type session struct {
	rt      *app.Runtime
	project store.Project
}

func (o *cliOptions) open(ctx context.Context) (*session, error) {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(o.logLevel, cfg.Environment)
	if err != nil {
		return nil, err
	}
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	project, err := rt.Service.ResolveProject(ctx, o.project)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	logger.Debug("project selected", zap.String("project", project.Name), zap.String("project_id", project.ID))
	return &session{rt: rt, project: project}, nil
}

func (s *session) Close() error {
	return s.rt.Close()
}

func newMigrateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadFrom(opts.configPath)
			if err != nil {
				return err
			}
			s, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.DB().Close()
			if err := app.Migrate(ctx, cfg, s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", s.Dialect())
			return nil
		},
	}
}

func newExportCmd(opts *cliOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the project's outline and assets as a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			manifest, err := sess.rt.Service.Export(cmd.Context(), sess.project)
			if err != nil {
				return err
			}
			payload, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return fmt.Errorf("encode manifest: %w", err)
			}
			payload = append(payload, '\n')
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(payload)
				return err
			}
			if err := os.WriteFile(out, payload, 0o644); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d notes and %d assets to %s\n", len(manifest.Notes), len(manifest.Assets), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	return cmd
}

func newImportCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <manifest.json>",
		Short: "Append a manifest's notes to the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			sess, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := sess.rt.Service.Import(cmd.Context(), sess.project.ID, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d notes, %d assets into %s\n", result.NotesImported, result.AssetsProcessed, sess.project.Name)
			return nil
		},
	}
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			page, err := sess.rt.Service.History(cmd.Context(), sess.project.ID, limit, offset)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCAUSE\tCREATED\tHASH\tBYTES")
			for _, v := range page.Versions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", v.ID, v.Cause, v.CreatedAt.Format("2006-01-02 15:04:05"), shortHash(v.Hash), v.SizeBytes)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d versions\n", len(page.Versions), page.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum versions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "versions to skip")
	return cmd
}

func newCheckpointCmd(opts *cliOptions) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Record a manual version of the current outline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := sess.rt.Service.Checkpoint(cmd.Context(), sess.project.ID, note)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded version %d\n", result.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note stored with the version")
	return cmd
}

func newRestoreCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <versionId>",
		Short: "Replace the outline with a recorded version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := sess.rt.Service.Restore(cmd.Context(), sess.project.ID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d nodes from version %s as version %d\n", result.Restored, args[0], result.NewVersionID)
			return nil
		},
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
