package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Root is the procfs mount point. Tests point it at a fake tree.
var Root = "/proc"

// Stat is the subset of /proc/<pid>/stat the daemon cares about.
type Stat struct {
	Pid   int
	PPid  int
	Comm  string
	State byte
}

// ReadStat parses /proc/<pid>/stat.
func ReadStat(pid int) (*Stat, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	data, err := os.ReadFile(filepath.Join(Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, err
	}
	st, ok := parseStat(string(data))
	if !ok {
		return nil, fmt.Errorf("malformed stat for pid %d", pid)
	}
	st.Pid = pid
	return st, nil
}

// Alive reports whether pid exists and has not yet exited. Zombies count as
// exited: they only wait for reaping.
func Alive(pid int) bool {
	st, err := ReadStat(pid)
	if err != nil {
		return false
	}
	return st.State != 'Z' && st.State != 'X'
}

// Sysctl reads a kernel parameter by its dotted name
// (e.g. "kernel.unprivileged_userns_clone").
func Sysctl(name string) (string, error) {
	path := filepath.Join(Root, "sys", strings.ReplaceAll(name, ".", "/"))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseStat extracts comm, state and ppid. comm is parenthesised and may
// itself contain spaces and parentheses, so the last ')' delimits it.
func parseStat(stat string) (*Stat, bool) {
	stat = strings.TrimSpace(stat)
	if stat == "" {
		return nil, false
	}

	rparen := strings.LastIndex(stat, ")")
	lparen := strings.Index(stat, "(")
	if lparen == -1 || rparen == -1 || rparen <= lparen || rparen+2 > len(stat) {
		return nil, false
	}

	st := &Stat{Comm: stat[lparen+1 : rparen]}
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 2 || len(rest[0]) != 1 {
		return st, false
	}
	st.State = rest[0][0]

	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return st, false
	}
	st.PPid = ppid
	return st, true
}
