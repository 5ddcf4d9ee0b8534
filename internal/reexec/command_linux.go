package reexec

import "os/exec"

// Self returns the path used to re-exec the running binary: the
// in-memory /proc/self/exe, so it is safe to do this even if the
// on-disk binary has since been replaced or deleted.
func Self() string {
	return "/proc/self/exe"
}

// Command returns an *exec.Cmd whose Path is Self() and whose Args is
// exactly the given slice, so that args[0] can carry the stage
// sentinel Init dispatches on.
func Command(args ...string) *exec.Cmd {
	cmd := exec.Command(Self())
	cmd.Args = args
	return cmd
}
