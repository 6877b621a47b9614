package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/fednode/pkg/catalog"
	"github.com/cuemby/fednode/pkg/config"
	"github.com/cuemby/fednode/pkg/types"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the data manifest resolved by this node",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configured manifest and report any errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath(cmd))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		catalogs, err := loadCatalogs(cfg)
		if err != nil {
			return fmt.Errorf("manifest %s is invalid: %w", cfg.ManifestPath, err)
		}
		fmt.Printf("manifest %s is valid: %d catalog(s)\n", cfg.ManifestPath, len(catalogs))
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolved catalogs and their files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath(cmd))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		catalogs, err := loadCatalogs(cfg)
		if err != nil {
			return err
		}
		for _, c := range catalogs {
			printCatalog(c)
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	catalogCmd.AddCommand(catalogListCmd)
}

func loadCatalogs(cfg *config.Config) ([]*types.CatalogDescriptor, error) {
	resolver := catalog.NewResolver(cfg.DataRoot, cfg.DataRoot)
	if err := resolver.Load(cfg.ManifestPath); err != nil {
		return nil, err
	}
	return resolver.List(), nil
}

func printCatalog(c *types.CatalogDescriptor) {
	minCohort := "node default"
	if c.MinCohortSize != nil {
		minCohort = fmt.Sprintf("%d", *c.MinCohortSize)
	}
	fmt.Printf("%s (%s)\n", c.Name, c.ID)
	fmt.Printf("  data_type=%s privacy=%s min_cohort_size=%s records=%d\n", c.DataType, c.PrivacyLevel, minCohort, c.RecordCount)
	for _, f := range c.Files {
		fmt.Printf("  - %-20s type=%-8s exists=%v", f.LogicalName, f.Type, f.Exists)
		if f.RecordCount != nil {
			fmt.Printf(" records=%d", *f.RecordCount)
		}
		if len(f.Columns) > 0 {
			fmt.Printf(" columns=%d", len(f.Columns))
		}
		fmt.Println()
	}
}
