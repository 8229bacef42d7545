package builds

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// CommandRunner runs a configured command per job. The build's trigger
// metadata is exposed as GHWATCH_* environment variables and the combined
// output goes to <log dir>/<job>/<build id>.log, headed by the diagnostic log
// of the cause.
type CommandRunner struct {
	Commands map[string][]string
	LogDir   string
}

func (r *CommandRunner) Run(ctx context.Context, build Build) error {
	command, ok := r.Commands[build.Job]
	if !ok || len(command) == 0 {
		return fmt.Errorf("no command configured for job %s", build.Job)
	}

	dir := filepath.Join(r.LogDir, build.Job)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create build log directory: %w", err)
	}
	logFile, err := os.Create(filepath.Join(dir, build.ID+".log"))
	if err != nil {
		return fmt.Errorf("cannot create build log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "Triggered by %s %s at %s: %s\n", build.Cause.Kind, build.Cause.Key, build.Cause.CommitSHA, build.Cause.Reason)
	if build.Cause.Log != "" {
		fmt.Fprintf(logFile, "%s\n", build.Cause.Log)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), Environment(build)...)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %s failed: %w", command[0], err)
	}
	return nil
}

// Environment returns the GHWATCH_* variables describing a build
func Environment(build Build) []string {
	cause := build.Cause
	env := []string{
		"GHWATCH_BUILD_ID=" + build.ID,
		"GHWATCH_JOB=" + build.Job,
		"GHWATCH_REPO=" + cause.Repo.String(),
		"GHWATCH_KIND=" + string(cause.Kind),
		"GHWATCH_KEY=" + cause.Key,
		"GHWATCH_SHA=" + cause.CommitSHA,
		"GHWATCH_REASON=" + cause.Reason,
	}
	if cause.Number > 0 {
		env = append(env, "GHWATCH_PR_NUMBER="+strconv.Itoa(cause.Number))
	}
	if cause.SourceBranch != "" {
		env = append(env, "GHWATCH_SOURCE_BRANCH="+cause.SourceBranch)
	}
	if cause.TargetBranch != "" {
		env = append(env, "GHWATCH_TARGET_BRANCH="+cause.TargetBranch)
	}
	return env
}
