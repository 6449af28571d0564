package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg"
)

var fetchToolchainCmd = &cobra.Command{
	Use:   "fetch-toolchain",
	Short: "Downloads the archives listed in toolchain.yml",
	Long: `Reads toolchain.yml next to the nearest suite.star, downloads every archive whose
conditions match this platform, verifies its checksum and extracts it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		wd, err := os.Getwd()
		if err != nil {
			return err
		}

		suitePath, err := pkg.FindSuiteFile(wd)
		if err != nil {
			return err
		}

		root := filepath.Dir(suitePath)
		pkg.PrintTask("Fetching toolchain")
		return pkg.FetchToolchain(appContext(cmd), filepath.Join(root, pkg.ToolchainFileName), root, pkg.FetchOptions{
			Update:       update,
			ShowProgress: !cfg.Log.JSON,
		})
	},
}

func init() {
	fetchToolchainCmd.Flags().Bool("update", false, "update the checksums in toolchain.yml")
	rootCmd.AddCommand(fetchToolchainCmd)
}
