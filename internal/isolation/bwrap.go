package isolation

import "path/filepath"

// HelperArgs builds a bubblewrap command line: system directories
// read-only, the project read-write at the mount point, fresh /tmp, /dev and
// /proc, a private network namespace (only loopback) and --die-with-parent
// so the agent cannot outlive the daemon. The helper becomes the spawned
// executable and the agent command follows the "--" separator.
func HelperArgs(helper string, target Target) ([]string, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	mount := target.mountPoint()
	args := []string{helper}

	for _, dir := range SystemDirs {
		// --ro-bind-try skips sources missing on this host (e.g. /lib32).
		args = append(args, "--ro-bind-try", dir, dir)
	}

	for _, dir := range target.readOnlyBinds() {
		for _, parent := range pathHierarchy(dir) {
			args = append(args, "--dir", parent)
		}
		args = append(args, "--ro-bind", dir, dir)
	}

	args = append(args,
		"--bind", target.ProjectDir, mount,
		"--tmpfs", "/tmp",
		"--dev", "/dev",
		"--proc", "/proc",
		"--unshare-net",
		"--unshare-ipc",
		"--unshare-uts",
		"--new-session",
		"--die-with-parent",
		"--chdir", mount,
		"--",
		target.inSandboxExecutable(),
	)
	args = append(args, target.inSandboxArgs()...)
	return args, nil
}

// pathHierarchy returns every directory from the root down to path, since
// --dir only creates a single component. "/home/op/.local/bin" yields
// ["/home", "/home/op", "/home/op/.local", "/home/op/.local/bin"].
func pathHierarchy(path string) []string {
	path = filepath.Clean(path)
	if path == "/" || path == "." {
		return nil
	}

	var components []string
	for current := path; current != "/" && current != "."; current = filepath.Dir(current) {
		components = append(components, current)
	}

	result := make([]string, 0, len(components))
	for i := len(components) - 1; i >= 0; i-- {
		result = append(result, components[i])
	}
	return result
}
