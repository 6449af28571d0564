package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg/buildsys"
)

var buildCmd = &cobra.Command{
	Use:   "build [projects...] [KEY=VALUE...]",
	Short: "Compiles the given projects (or all of them) and their dependencies",
	Long: `Loads the nearest suite.star file and builds the passed projects. Arguments containing
a "=" are passed to the suite as options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		ctx := appContext(cmd)
		suite, names, err := loadSuite(ctx, args)
		if err != nil {
			return err
		}

		opts := runOptions()
		opts.Task.DryRun = dryRun
		opts.Force = force

		return buildsys.RunProjects(ctx, suite, names, opts)
	},
}

func init() {
	buildCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	buildCmd.Flags().BoolP("force", "f", false, "force build; always build the passed projects even if they're up to date")
	rootCmd.AddCommand(buildCmd)
}
