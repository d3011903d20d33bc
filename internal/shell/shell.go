// Package shell picks the command interpreter used to run configured command lines.
//
// The host OS identity is read once (Host) and every other caller receives it as a
// plain value, so resolution stays a pure function of its input.
package shell

import (
	"runtime"
	"strings"
	"sync"
)

var (
	windowsShell = []string{"PowerShell.exe", "-Command"}
	posixShell   = []string{"sh", "-c"}
)

// IsWindows reports whether osID names a Windows family OS. Both Go's GOOS value
// ("windows") and JVM style names ("Windows Server 2019") are recognised.
func IsWindows(osID string) bool {
	return strings.EqualFold(osID, "windows") || strings.Contains(osID, "Windows")
}

// Resolve returns the interpreter tokens to prepend to every command line for osID.
// The returned slice is a fresh copy.
func Resolve(osID string) []string {
	if IsWindows(osID) {
		return clone(windowsShell)
	}
	return clone(posixShell)
}

var (
	hostOnce   sync.Once
	hostTokens []string
)

// Host resolves the interpreter for the running process. The OS does not change at
// runtime, so the lookup happens once.
func Host() []string {
	hostOnce.Do(func() {
		hostTokens = Resolve(runtime.GOOS)
	})
	return clone(hostTokens)
}

// CommandLine returns tokens followed by command. The command is passed through
// untouched; splitting it is the interpreter's job.
func CommandLine(tokens []string, command string) []string {
	out := make([]string, 0, len(tokens)+1)
	out = append(out, tokens...)
	return append(out, command)
}

func clone(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
