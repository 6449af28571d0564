package buildsys

import (
	"context"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

var versionPattern = regexp.MustCompile(`\b(\d+\.\d+\.\d+)\b`)

// ParseToolchainVersion extracts the version from the output of `emcc --version`
func ParseToolchainVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, eris.Errorf("no version found in %q", output)
	}

	return semver.NewVersion(match[1])
}

func checkVersion(output, constraint string) error {
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return eris.Wrapf(err, "invalid toolchain version constraint %s", constraint)
	}

	version, err := ParseToolchainVersion(output)
	if err != nil {
		return err
	}

	if !cons.Check(version) {
		return eris.Errorf("toolchain version %s does not satisfy %s", version, constraint)
	}
	return nil
}

// CheckToolchainVersion runs `<compiler> --version` and verifies the result against constraint
func CheckToolchainVersion(ctx context.Context, compiler, constraint string) error {
	output, err := exec.CommandContext(ctx, compiler, "--version").Output()
	if err != nil {
		return eris.Wrapf(err, "failed to run %s --version", compiler)
	}

	err = checkVersion(string(output), constraint)
	if err != nil {
		return eris.Wrapf(err, "unsupported compiler %s", compiler)
	}

	log(ctx).Debug().Str("compiler", compiler).Msg("toolchain version accepted")
	return nil
}
