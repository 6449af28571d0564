package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg/buildsys"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [projects...]",
	Short: "Asks the given projects (or all of them) to remove their build results",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := appContext(cmd)
		suite, names, err := loadSuite(ctx, args)
		if err != nil {
			return err
		}

		return buildsys.CleanProjects(ctx, suite, names, runOptions())
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}
