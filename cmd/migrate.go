package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/estate/services/searchsync/config"
	"example.com/estate/services/searchsync/internal/database"
	"example.com/estate/services/searchsync/internal/search"
)

var withIndex bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema and tables",
	Long:  `Enable PostGIS, create the service schema and migrate every table. With --index, also create the search index and apply its mappings.`,
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&withIndex, "index", false, "also ensure the search index")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}
	setupLogging(cfg)

	db, err := database.Connect(cfg.DB, nil)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.Migrate(db, cfg.DB.Schema); err != nil {
		return err
	}

	if !withIndex {
		return nil
	}

	esClient, err := search.NewClient(cfg.Elastic)
	if err != nil {
		return err
	}
	index := search.NewIndex(esClient, cfg.Elastic)
	if err := index.EnsureIndex(context.Background()); err != nil {
		return err
	}
	log.Info().Str("index", index.Name()).Msg("Search index ready")
	return nil
}
