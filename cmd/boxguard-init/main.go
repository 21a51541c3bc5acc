//go:build linux

// boxguard-init prepares the cgroup v2 hierarchy the sandbox engine needs:
// it creates the boxguard root group and delegates the cpu, memory and pids
// controllers to it. Run once as root before starting unprivileged sessions.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	cgroupMount = "/sys/fs/cgroup"
	defaultRoot = "/sys/fs/cgroup/boxguard"
)

func main() {
	root := defaultRoot
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	if err := run(root); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Printf("cgroup root %s ready\n", root)
}

func run(root string) error {
	if err := checkCgroup2(); err != nil {
		return err
	}
	if !strings.HasPrefix(root, cgroupMount+string(os.PathSeparator)) {
		return fmt.Errorf("root %s is outside %s", root, cgroupMount)
	}

	if err := enableControllers(filepath.Dir(root)); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create cgroup root: %w", err)
	}
	if err := verifyControllers(root); err != nil {
		return err
	}
	return nil
}

func checkCgroup2() error {
	var fs unix.Statfs_t
	if err := unix.Statfs(cgroupMount, &fs); err != nil {
		return fmt.Errorf("stat %s: %w", cgroupMount, err)
	}
	if fs.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("%s is not a cgroup v2 mount", cgroupMount)
	}
	return nil
}

// enableControllers writes to the parent's subtree_control so children of
// the boxguard root inherit cpu, memory and pids.
func enableControllers(parent string) error {
	controlPath := filepath.Join(parent, "cgroup.subtree_control")
	for _, controller := range []string{"+cpu", "+memory", "+pids"} {
		if err := os.WriteFile(controlPath, []byte(controller), 0o644); err != nil {
			return fmt.Errorf("enable controller %s in %s: %w", controller, parent, err)
		}
	}
	return nil
}

func verifyControllers(root string) error {
	raw, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return fmt.Errorf("read controllers: %w", err)
	}
	available := string(raw)
	for _, controller := range []string{"cpu", "memory", "pids"} {
		if !strings.Contains(available, controller) {
			return fmt.Errorf("controller %s not delegated to %s", controller, root)
		}
	}
	return nil
}
