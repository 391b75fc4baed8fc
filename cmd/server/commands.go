package main

import (
	"context"

	"github.com/diewo77/go-jobshop/internal/db"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func migrateCmd(e *env) *cobra.Command {
	var sqlFiles bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			useSQL := e.cfg.App.Migrations || sqlFiles
			if err := db.Migrate(cmd.Context(), conn, e.cfg.Database, useSQL, e.log); err != nil {
				return err
			}
			e.log.Info("migrations completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&sqlFiles, "sql", false, "Run the SQL migration files even when MIGRATIONS is unset")
	return cmd
}

func seedCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert missing departments and addons from the catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			return e.seed(cmd.Context(), conn)
		},
	}
}

func (e *env) seed(ctx context.Context, conn *gorm.DB) error {
	catalog, err := db.LoadCatalogFile(e.cfg.App.CatalogFile)
	if err != nil {
		return err
	}
	_, err = db.Seed(ctx, conn, catalog, e.log)
	return err
}

// backfillCmd repairs every order: checklist rows first, then the initial
// department of parts that never got one.
func backfillCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-departments",
		Short: "Resync all checklists and assign initial departments to unrouted parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := e.open(ctx)
			if err != nil {
				return err
			}
			sync := services.NewChecklistSynchronizer(conn, e.log, nil)
			router := services.NewDepartmentRouter(conn, e.log, nil)

			synced, err := sync.SyncAll(ctx)
			if err != nil {
				return err
			}
			routed, err := router.BackfillDepartments(ctx)
			if err != nil {
				return err
			}
			e.log.Info("backfill completed", "checklist_writes", synced.Writes(), "parts_routed", routed)
			return nil
		},
	}
}
