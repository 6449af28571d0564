package buildsys

import (
	"context"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
)

// RunOptions controls how RunProjects drives the build tasks
type RunOptions struct {
	Task TaskOptions
	// OutputBase overrides the suite's output base
	OutputBase string
	// Force skips the NeedsBuild check
	Force bool
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		suite      *Suite
		outputBase string
		opts       RunOptions
		// false while a project is in progress, true once it finished
		runProjects map[string]bool
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

func selectProjects(suite *Suite, names []string) ([]*Project, error) {
	if len(names) == 0 {
		names = suite.Projects.Names()
	}

	result := make([]*Project, 0, len(names))
	for _, name := range names {
		project, err := suite.Project(name)
		if err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, nil
}

// TaskOptionsFor fills in the suite's environment overrides unless opts already carries a snapshot
func TaskOptionsFor(suite *Suite, opts TaskOptions) TaskOptions {
	if opts.Env == nil {
		opts.Env = CurrentEnviron()
	}
	opts.Env = opts.Env.Merge(suite.Env)
	return opts
}

// RunProjects builds the named projects (all of them if names is empty) after their dependencies.
func RunProjects(ctx context.Context, suite *Suite, names []string, opts RunOptions) error {
	projects, err := selectProjects(suite, names)
	if err != nil {
		return err
	}

	opts.Task = TaskOptionsFor(suite, opts.Task)
	rctx := runtimeCtx{
		suite:       suite,
		outputBase:  suite.ResolveOutputBase(opts.OutputBase),
		opts:        opts,
		runProjects: make(map[string]bool),
	}

	logger := log(ctx).With().Str("build", nanoid.New()).Logger()
	ctx = WithLogger(ctx, &logger)
	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)

	for _, project := range projects {
		err = runProjectInternal(ctx, project)
		if err != nil {
			return err
		}
	}

	return nil
}

func runProjectInternal(ctx context.Context, project *Project) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runProjects[project.Name]
	if ok {
		if status {
			log(ctx).Debug().Msgf("Project %s already built", project.Name)
			return nil
		}

		return eris.Errorf("Project %s was built recursively", project.Name)
	}

	rctx.runProjects[project.Name] = false

	for _, dep := range project.Deps {
		depProject, err := rctx.suite.Project(dep)
		if err != nil {
			return err
		}

		err = runProjectInternal(ctx, depProject)
		if err != nil {
			return eris.Wrapf(err, "Project %s failed due to its dependency %s", project.Name, dep)
		}
	}

	task := project.GetBuildTask(rctx.outputBase, rctx.opts.Task)
	if !rctx.opts.Force {
		newestInput, err := newestModTime(project.SourceDir())
		if err != nil {
			return err
		}

		needed, reason := task.NeedsBuild(newestInput)
		if !needed {
			log(ctx).Info().
				Str("project", project.Name).
				Msgf("nothing to do (%s)", reason)

			rctx.runProjects[project.Name] = true
			return nil
		}
	}

	log(ctx).Info().Str("project", project.Name).Msg(task.String())
	err := task.Build(ctx)
	if err != nil {
		return eris.Wrapf(err, "Project %s failed", project.Name)
	}

	rctx.runProjects[project.Name] = true
	return nil
}

// CleanProjects asks the tasks of the named projects (all of them if names is empty) to clean up.
func CleanProjects(ctx context.Context, suite *Suite, names []string, opts RunOptions) error {
	projects, err := selectProjects(suite, names)
	if err != nil {
		return err
	}

	outputBase := suite.ResolveOutputBase(opts.OutputBase)
	taskOpts := TaskOptionsFor(suite, opts.Task)
	for _, project := range projects {
		task := project.GetBuildTask(outputBase, taskOpts)
		err = task.Clean(ctx, false)
		if err != nil {
			return eris.Wrapf(err, "failed to clean %s", project.Name)
		}
	}

	return nil
}
