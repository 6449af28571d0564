package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg/buildsys"
)

var listCmd = &cobra.Command{
	Use:   "list [KEY=VALUE...]",
	Short: "Lists the projects declared by the nearest suite.star",
	RunE: func(cmd *cobra.Command, args []string) error {
		suite, _, err := loadSuite(appContext(cmd), args)
		if err != nil {
			return err
		}

		printProjects(cmd.OutOrStdout(), suite)
		return nil
	},
}

func printProjects(out io.Writer, suite *buildsys.Suite) {
	names := suite.Projects.Names()
	if len(names) == 0 {
		fmt.Fprintf(out, "Suite %s declares no projects.\n", suite.Name)
		return
	}

	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	fmt.Fprintf(out, "Projects in %s:\n", suite.Name)
	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		project := suite.Projects[name]
		fmt.Fprintf(out, lineFmt, name+":", project.Desc)

		srcDir := project.SourceDir()
		if rel, err := filepath.Rel(suite.Dir, srcDir); err == nil {
			srcDir = rel
		}
		fmt.Fprintf(out, "     sources: %s\n", srcDir)

		if len(project.Deps) > 0 {
			fmt.Fprintf(out, "     deps:    %s\n", strings.Join(project.Deps, ", "))
		}
	}
}

func init() {
	rootCmd.AddCommand(listCmd)
}
