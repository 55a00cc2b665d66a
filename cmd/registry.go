package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/derivedflow/dflow/pkg/dictionary"
	"github.com/derivedflow/dflow/pkg/registry"
)

// registryCmd represents the registry command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and validate dictionary configurations",
	Long:  `Commands for listing and validating dictionary configurations without running the worker.`,
}

// registryListCmd lists every dictionary config file discovers.
//
//nolint:gochecknoglobals // Cobra commands are typically global
var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered dictionary configurations",
	RunE:  runRegistryList,
}

// registryValidateCmd validates dictionary configurations without loading
// ClickHouse.
//
//nolint:gochecknoglobals // Cobra commands are typically global
var registryValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate dictionary configurations",
	RunE:  runRegistryValidate,
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryValidateCmd)
}

// loadDictionaryConfigs reads every configured path under RegistryConfigDir
// and returns the declared dictionary configs keyed by name.
func loadDictionaryConfigs() (map[string]dictionary.Config, error) {
	cfg, err := LoadCLIConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	repo := registry.FileConfigRepository{Dir: cfg.RegistryConfigDir}

	paths, err := repo.List()
	if err != nil {
		return nil, fmt.Errorf("list config paths: %w", err)
	}

	configs := make(map[string]dictionary.Config)

	for _, path := range paths {
		doc, err := repo.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}

		for _, d := range doc.Dictionaries {
			configs[d.Name] = d
		}
	}

	return configs, nil
}

func runRegistryList(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	configs, err := loadDictionaryConfigs()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}

	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tLAYOUT\tSOURCE")

	for _, name := range names {
		d := configs[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Layout, d.Source)
	}

	return w.Flush()
}

func runRegistryValidate(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	configs, err := loadDictionaryConfigs()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}

	sort.Strings(names)

	var errorCount int

	for _, name := range names {
		if _, parseErr := dictionary.Parse(configs[name]); parseErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "x %s: %v\n", name, parseErr)
			errorCount++

			continue
		}

		fmt.Fprintf(cmd.OutOrStdout(), "OK %s\n", name)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d valid, %d errors\n", len(names)-errorCount, errorCount)

	if errorCount > 0 {
		return fmt.Errorf("%d dictionary configs failed validation", errorCount) //nolint:err113 // aggregate CLI error, not a sentinel
	}

	return nil
}
