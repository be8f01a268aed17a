package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"visualgen/internal/assets"
	"visualgen/internal/domain"
	"visualgen/internal/storage"
)

// export stores the finished images of job in the configured sink, or in
// --out when given. --zip also bundles them into one file.
func (c *cli) export(cmd *cobra.Command, job domain.GenerationJob, flags exportFlags) error {
	if flags.out == "" && flags.zip == "" {
		return nil
	}
	sink := c.services.Sink
	if flags.out != "" {
		store, err := storage.NewFileStore(flags.out)
		if err != nil {
			return err
		}
		sink = store
	}

	exported, err := c.services.Exporter.Export(cmd.Context(), job, sink)
	if err != nil {
		return err
	}
	for _, e := range exported {
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s -> %s\n", e.Type, e.Location)
	}
	if flags.zip == "" {
		return nil
	}

	archive, err := assets.Archive(exported)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(flags.zip); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create zip dir: %w", err)
		}
	}
	if err := os.WriteFile(flags.zip, archive, 0o644); err != nil {
		return fmt.Errorf("write zip: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archive %s (%d files)\n", flags.zip, len(exported))
	return nil
}
