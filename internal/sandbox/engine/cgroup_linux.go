//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"boxguard/internal/sandbox/profile"
	appErr "boxguard/pkg/errors"
)

const defaultCgroupRoot = "/sys/fs/cgroup/boxguard"

// cgroupAvailable reports whether a writable cgroup v2 hierarchy is present.
func cgroupAvailable() bool {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return false
	}
	return true
}

func createGroupDir(root, sandboxID string) (string, error) {
	if root == "" {
		root = defaultCgroupRoot
	}
	name := fmt.Sprintf("%s-%d", sandboxID, time.Now().UnixNano())
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0750); err != nil {
		return "", appErr.StageError("group-create", appErr.GroupCreateFailed, err)
	}
	return path, nil
}

func applyGroupLimits(path string, p profile.SecurityProfile) error {
	pidsValue := "max"
	if p.MaxProcessCount > 0 {
		pidsValue = strconv.Itoa(p.MaxProcessCount)
	}
	if err := writeGroupValue(path, "pids.max", pidsValue); err != nil {
		return appErr.StageError("set-limits", appErr.GroupLimitFailed, err)
	}
	if p.MaxMemoryBytes > 0 {
		if err := writeGroupValue(path, "memory.max", strconv.FormatInt(p.MaxMemoryBytes, 10)); err != nil {
			return appErr.StageError("set-limits", appErr.GroupLimitFailed, err)
		}
	}
	if err := writeGroupValue(path, "cpu.weight", strconv.Itoa(cpuWeight(p.Priority))); err != nil {
		return appErr.StageError("set-limits", appErr.GroupLimitFailed, err)
	}
	return nil
}

// cpuWeight maps the profile priority class onto the cgroup cpu.weight
// scale (1..10000, default 100).
func cpuWeight(p profile.PriorityClass) int {
	switch p {
	case profile.PriorityIdle:
		return 1
	case profile.PriorityBelowNormal:
		return 50
	default:
		return 100
	}
}

func freezeGroup(path string) error {
	return writeGroupValue(path, "cgroup.freeze", "1")
}

func thawGroup(path string) error {
	return writeGroupValue(path, "cgroup.freeze", "0")
}

func killGroup(path string) error {
	killPath := filepath.Join(path, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

// removeGroupDir retries briefly: the kernel keeps the directory busy until
// every member task is reaped.
func removeGroupDir(path string) error {
	var err error
	for i := 0; i < 10; i++ {
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

func wasOomKilled(path string) bool {
	data, err := os.ReadFile(filepath.Join(path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func groupCPUTimeMs(path string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(path, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "usage_usec" {
			val, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return val / 1000, nil
		}
	}
	return 0, fmt.Errorf("usage_usec not found in cpu.stat")
}

func readGroupInt(path, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeGroupValue(path, name, value string) error {
	return os.WriteFile(filepath.Join(path, name), []byte(value), 0640)
}
