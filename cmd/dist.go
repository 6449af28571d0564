package cmd

import (
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg"
)

var distCmd = &cobra.Command{
	Use:   "dist <project> <archive.kar>",
	Short: "Packs a project's build results into a .kar archive",
	Long: `Recursively packs the output directory of the passed project into a .kar archive. If the
project declares results, only files matching one of those patterns are included.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := appContext(cmd)
		suite, _, err := loadSuite(ctx, nil)
		if err != nil {
			return err
		}

		project, err := suite.Project(args[0])
		if err != nil {
			return err
		}

		outputDir := project.OutputDir(suite.ResolveOutputBase(cfg.Build.Output))
		count, err := packResults(args[1], outputDir, project.Results)
		if err != nil {
			return err
		}

		reader, err := pkg.OpenKar(args[1])
		if err != nil {
			return err
		}
		defer reader.Close()

		size := int64(0)
		for _, entry := range reader.Entries {
			size += entry.Size()
		}

		logger.Info().
			Str("project", project.Name).
			Str("path", args[1]).
			Int("files", count).
			Int64("size", size).
			Msgf("Packed %d files (%d bytes) into %s", count, size, args[1])
		return nil
	},
}

// resultFilter matches base names against the given glob patterns. No patterns accept everything.
func resultFilter(patterns []string) func(string) bool {
	if len(patterns) == 0 {
		return nil
	}

	return func(name string) bool {
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, name); ok {
				return true
			}
		}
		return false
	}
}

func packResults(archive, dir string, patterns []string) (int, error) {
	writer, err := pkg.NewKarWriter(archive)
	if err != nil {
		return 0, err
	}

	count, err := pkg.PackDirectory(writer, dir, resultFilter(patterns))
	if err != nil {
		writer.Close()
		return count, err
	}

	err = writer.Close()
	if err != nil {
		return count, eris.Wrapf(err, "failed to finish %s", archive)
	}
	return count, nil
}

func init() {
	rootCmd.AddCommand(distCmd)
}
