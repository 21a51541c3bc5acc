package heuristics

import (
	"fmt"
	"strings"
)

// Indicator keyword sets for anti-detection probing. A sandboxed program
// touching paths or spawning processes that mention these is likely checking
// whether it runs under analysis.
var (
	vmIndicators = []string{
		"vmware", "virtualbox", "virtual machine", "vmci", "vbox",
		"qemu", "xen", "hyperv", "parallels", "bochs",
	}
	sandboxIndicators = []string{
		"sample", "malware", "test", "analysis", "debug",
		"hook", "emulation", "sandboxie", "cape", "cuckoo",
	}
	debuggerIndicators = []string{
		"ollydbg", "x32dbg", "x64dbg", "windbg", "immunity",
		"ida", "cheat engine", "process hacker",
	}
	monitorIndicators = []string{
		"process monitor", "procmon", "wireshark", "tcpdump",
		"filemon", "regmon", "sysinternals",
	}
)

// ScanPaths inspects file-operation paths for virtualization and sandbox
// indicator keywords. Findings are formatted descriptions, one per match.
func ScanPaths(paths []string) []string {
	var findings []string
	for _, path := range paths {
		low := strings.ToLower(path)
		for _, indicator := range sandboxIndicators {
			if strings.Contains(low, indicator) {
				findings = append(findings, fmt.Sprintf("sandbox indicator: %s", indicator))
			}
		}
		for _, indicator := range vmIndicators {
			if strings.Contains(low, indicator) {
				findings = append(findings, fmt.Sprintf("vm indicator: %s", indicator))
			}
		}
	}
	return findings
}

// ScanProcessNames inspects a process-list snapshot for debugger and
// monitoring tools the sandboxed program may be probing for.
func ScanProcessNames(names []string) []string {
	var findings []string
	for _, name := range names {
		low := strings.ToLower(name)
		for _, indicator := range debuggerIndicators {
			if strings.Contains(low, indicator) {
				findings = append(findings, fmt.Sprintf("debugger indicator: %s", indicator))
			}
		}
		for _, indicator := range monitorIndicators {
			if strings.Contains(low, indicator) {
				findings = append(findings, fmt.Sprintf("monitor indicator: %s", indicator))
			}
		}
	}
	return findings
}
