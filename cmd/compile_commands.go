package cmd

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Arcane561/graal/wasmbuild/pkg/buildsys"
)

type compileCommand struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Arguments []string `json:"arguments"`
	Output    string   `json:"output"`
}

var compileCommandsCmd = &cobra.Command{
	Use:   "compile-commands <output file> [projects...]",
	Short: "Writes a compile_commands.json for the given projects (or all of them)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := appContext(cmd)
		suite, names, err := loadSuite(ctx, args[1:])
		if err != nil {
			return err
		}

		entries, err := collectCompileCommands(suite, names, runOptions())
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return eris.Wrap(err, "failed to encode output")
		}

		err = ioutil.WriteFile(args[0], data, 0660)
		if err != nil {
			return eris.Wrapf(err, "failed to write to %s", args[0])
		}

		logger.Info().Str("path", args[0]).Msgf("Wrote %d entries to %s", len(entries), args[0])
		return nil
	},
}

// collectCompileCommands lists one entry per source file. Without a toolchain the bare compiler name is used.
func collectCompileCommands(suite *buildsys.Suite, names []string, opts buildsys.RunOptions) ([]compileCommand, error) {
	if len(names) == 0 {
		names = suite.Projects.Names()
	}

	directory, err := filepath.Abs(suite.Dir)
	if err != nil {
		return nil, err
	}

	outputBase := suite.ResolveOutputBase(opts.OutputBase)
	taskOpts := buildsys.TaskOptionsFor(suite, opts.Task)
	entries := make([]compileCommand, 0)
	for _, name := range names {
		project, err := suite.Project(name)
		if err != nil {
			return nil, err
		}

		task := buildsys.NewSourceCompileTask(project, outputBase, taskOpts)
		compiler := task.CompilerPath()
		if compiler == "" {
			compiler = taskOpts.Compiler
			if compiler == "" {
				compiler = buildsys.DefaultCompiler
			}
		}

		commands, err := task.Commands(compiler)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to list sources of %s", name)
		}

		for _, command := range commands {
			entries = append(entries, compileCommand{
				Directory: directory,
				File:      absPath(command.Input),
				Arguments: command.Args,
				Output:    absPath(command.Output),
			})
		}
	}

	return entries, nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func init() {
	rootCmd.AddCommand(compileCommandsCmd)
}
