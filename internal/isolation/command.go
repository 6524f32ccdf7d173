package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMountPoint is where the project directory appears inside the
// sandbox.
const DefaultMountPoint = "/project"

// SystemDirs are bound read-only into every namespace sandbox. Directories
// missing on the host are skipped.
var SystemDirs = []string{
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib64",
	"/lib32",
	"/etc",
}

// Target describes the process to confine.
type Target struct {
	// ProjectDir is bound read-write at MountPoint.
	ProjectDir string
	// MountPoint defaults to DefaultMountPoint.
	MountPoint string
	// Executable is the resolved absolute path of the agent command.
	Executable string
	Args       []string
	// ReadOnlyDirs are extra host directories to expose read-only, such as
	// the directory holding the hook validator.
	ReadOnlyDirs []string
}

func (t Target) mountPoint() string {
	if t.MountPoint == "" {
		return DefaultMountPoint
	}
	return t.MountPoint
}

func (t Target) validate() error {
	if t.ProjectDir == "" {
		return fmt.Errorf("project directory is required")
	}
	if t.Executable == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

// readOnlyBinds returns the executable's directory and ReadOnlyDirs,
// dropping those already visible inside the sandbox: directories under the
// system directories or the project. Relative executables are left to the
// sandbox's own PATH lookup.
func (t Target) readOnlyBinds() []string {
	var candidates []string
	if filepath.IsAbs(t.Executable) {
		candidates = append(candidates, filepath.Dir(t.Executable))
	}
	candidates = append(candidates, t.ReadOnlyDirs...)

	var binds []string
	seen := make(map[string]bool)
	for _, dir := range candidates {
		dir = filepath.Clean(dir)
		if !filepath.IsAbs(dir) || seen[dir] || t.visible(dir) {
			continue
		}
		seen[dir] = true
		binds = append(binds, dir)
	}
	return binds
}

func (t Target) visible(dir string) bool {
	if within(dir, t.ProjectDir) {
		return true
	}
	for _, sys := range SystemDirs {
		if within(dir, sys) {
			return true
		}
	}
	return false
}

// inSandboxExecutable maps the executable to its path inside the sandbox.
func (t Target) inSandboxExecutable() string {
	if within(t.Executable, t.ProjectDir) {
		return RemapPath(t.Executable, t.ProjectDir, t.mountPoint())
	}
	return t.Executable
}

// inSandboxArgs maps arguments naming paths under the project, such as
// generated tool-config files, to their in-sandbox location.
func (t Target) inSandboxArgs() []string {
	args := make([]string, len(t.Args))
	for i, arg := range t.Args {
		if within(arg, t.ProjectDir) {
			arg = RemapPath(arg, t.ProjectDir, t.mountPoint())
		}
		args[i] = arg
	}
	return args
}

// Command builds the final argv for avail. ok is false when avail offers no
// primitive and the caller should run the target unwrapped.
func Command(avail Availability, target Target) (argv []string, ok bool, err error) {
	switch avail.Primitive {
	case PrimitiveHelper:
		argv, err = HelperArgs(avail.HelperPath, target)
		return argv, err == nil, err
	case PrimitiveUserNamespaces:
		argv, err = UnshareArgs(avail.UnsharePath, target)
		return argv, err == nil, err
	default:
		return nil, false, nil
	}
}

// RemapEnv rewrites environment values that point into projectDir so they
// point at the same location under mountPoint.
func RemapEnv(env []string, projectDir, mountPoint string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, value, found := strings.Cut(kv, "=")
		if found && value != "" {
			value = remapList(value, projectDir, mountPoint)
			kv = key + "=" + value
		}
		out = append(out, kv)
	}
	return out
}

// remapList handles PATH-style values as well as plain paths.
func remapList(value, projectDir, mountPoint string) string {
	parts := strings.Split(value, ":")
	for i, part := range parts {
		if within(part, projectDir) {
			parts[i] = RemapPath(part, projectDir, mountPoint)
		}
	}
	return strings.Join(parts, ":")
}

// RemapPath translates path from under projectDir to under mountPoint.
func RemapPath(path, projectDir, mountPoint string) string {
	rel, err := filepath.Rel(filepath.Clean(projectDir), filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return path
	}
	if rel == "." {
		return mountPoint
	}
	return filepath.Join(mountPoint, rel)
}

func within(path, dir string) bool {
	if path == "" || dir == "" || !filepath.IsAbs(path) {
		return false
	}
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
