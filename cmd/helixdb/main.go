// Package main provides the HelixDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixgraph/helixdb/pkg/config"
	"github.com/helixgraph/helixdb/pkg/helix"
	"github.com/helixgraph/helixdb/pkg/hql"
	"github.com/helixgraph/helixdb/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "helixdb",
		Short: "HelixDB - embedded graph, vector, and fulltext database",
		Long: `HelixDB is a single-node embedded database unifying a labeled
property graph, an HNSW vector index, and BM25 fulltext search behind
one transactional store, queried through compiled HQL endpoints.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("HelixDB v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HelixDB query gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Config file path (YAML)")
	serveCmd.Flags().String("data-dir", "", "Data directory")
	serveCmd.Flags().String("schema", "", "HQL source file")
	serveCmd.Flags().String("http-addr", "", "Gateway bind address")
	rootCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Type-check an HQL source file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}
	rootCmd.AddCommand(checkCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite stored records to the current schema version",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("config", "", "Config file path (YAML)")
	migrateCmd.Flags().String("data-dir", "", "Data directory")
	migrateCmd.Flags().String("schema", "", "HQL source file")
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("schema"); v != "" {
		cfg.SchemaPath = v
	}
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	return cfg, cfg.Validate()
}

func openDB(cfg *config.Config, logger *slog.Logger) (*helix.DB, error) {
	source, err := os.ReadFile(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return helix.Open(helix.Options{
		DataDir:        cfg.DataDir,
		Source:         string(source),
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		Logger:         logger,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := openDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	gw := server.New(db, cfg.Server.HTTPAddr, logger)
	if err := gw.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return gw.Stop(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if _, err := hql.NewCompiler().Compile(string(source), 1); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return fmt.Errorf("%s: check failed", args[0])
	}
	fmt.Printf("%s: ok\n", args[0])
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Open runs the migration pass when the persisted version lags.
	db, err := openDB(cfg, logger)
	if err != nil {
		return err
	}
	return db.Close()
}
