package isolation

import (
	"fmt"
	"strings"
)

// UnshareArgs wraps the agent in new user and mount namespaces. The
// generated script rebuilds a root filesystem from read-only system binds
// and the read-write project, pivots into it and execs the agent.
// --kill-child ties the agent to unshare; the launcher ties unshare to the
// daemon with a parent-death signal.
func UnshareArgs(unshare string, target Target) ([]string, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	if unshare == "" {
		unshare = "unshare"
	}
	return []string{
		unshare,
		"--user",
		"--map-root-user",
		"--mount",
		"--fork",
		"--kill-child",
		"/bin/sh", "-c", UnshareScript(target),
	}, nil
}

// UnshareScript generates the shell fragment executed inside the new
// namespaces.
func UnshareScript(target Target) string {
	mount := target.mountPoint()

	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString("mount --make-rprivate /\n")
	b.WriteString("root=\"$(mktemp -d /tmp/sessiond-root.XXXXXX)\"\n")
	b.WriteString("mount -t tmpfs tmpfs \"$root\"\n")

	for _, dir := range SystemDirs {
		d := shellEscape(dir)
		fmt.Fprintf(&b, "if [ -L %s ]; then ln -s \"$(readlink %s)\" \"$root\"%s; ", d, d, d)
		fmt.Fprintf(&b, "elif [ -d %s ]; then mkdir -p \"$root\"%s; mount --rbind %s \"$root\"%s; ", d, d, d, d)
		fmt.Fprintf(&b, "mount -o remount,bind,ro \"$root\"%s 2>/dev/null || true; fi\n", d)
	}

	for _, dir := range target.readOnlyBinds() {
		d := shellEscape(dir)
		fmt.Fprintf(&b, "mkdir -p \"$root\"%s\n", d)
		fmt.Fprintf(&b, "mount --rbind %s \"$root\"%s\n", d, d)
		fmt.Fprintf(&b, "mount -o remount,bind,ro \"$root\"%s 2>/dev/null || true\n", d)
	}

	m := shellEscape(mount)
	fmt.Fprintf(&b, "mkdir -p \"$root\"%s \"$root\"/tmp \"$root\"/dev \"$root\"/proc \"$root\"/oldroot\n", m)
	fmt.Fprintf(&b, "mount --bind %s \"$root\"%s\n", shellEscape(target.ProjectDir), m)
	b.WriteString("mount -t tmpfs tmpfs \"$root\"/tmp\n")
	b.WriteString("mount --rbind /dev \"$root\"/dev\n")
	b.WriteString("mount --rbind /proc \"$root\"/proc\n")
	b.WriteString("cd \"$root\"\n")
	b.WriteString("pivot_root . oldroot\n")
	b.WriteString("umount -l /oldroot\n")
	b.WriteString("rmdir /oldroot 2>/dev/null || true\n")
	fmt.Fprintf(&b, "cd %s\n", m)

	words := make([]string, 0, len(target.Args)+1)
	words = append(words, shellEscape(target.inSandboxExecutable()))
	for _, arg := range target.inSandboxArgs() {
		words = append(words, shellEscape(arg))
	}
	b.WriteString("exec " + strings.Join(words, " ") + "\n")
	return b.String()
}

// shellEscape single-quotes value for /bin/sh.
func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	replaced := strings.ReplaceAll(value, "'", "'\"'\"'")
	return "'" + replaced + "'"
}
