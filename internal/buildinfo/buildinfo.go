// Package buildinfo reports which binary is running. Values stamped with
// -ldflags win; anything left unstamped is read from the module and VCS
// details the Go toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"
)

// Stamped via -ldflags "-X github.com/nugget/ledger-agent/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version   string
	Commit    string
	Time      string
	Modified  bool // built from a working tree with uncommitted changes
	GoVersion string
}

var startTime = time.Now()

var current = sync.OnceValue(func() Build {
	bi, _ := debug.ReadBuildInfo()
	return resolve(Version, GitCommit, BuildTime, bi)
})

// Current returns the running binary's build details.
func Current() Build { return current() }

func resolve(version, commit, built string, bi *debug.BuildInfo) Build {
	b := Build{Version: version, Commit: commit, Time: built, GoVersion: runtime.Version()}
	if bi == nil {
		return b
	}
	if b.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		b.Version = bi.Main.Version
	}
	if bi.GoVersion != "" {
		b.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if b.Time == "unknown" {
				b.Time = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Info returns build and runtime details as a flat map for the status
// endpoint and the version command.
func Info() map[string]string {
	b := Current()
	return map[string]string{
		"version":    b.Version,
		"git_commit": b.Commit,
		"build_time": b.Time,
		"modified":   strconv.FormatBool(b.Modified),
		"go_version": b.GoVersion,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP calls.
func UserAgent() string {
	return "ledger-agent/" + Current().Version
}

func (b Build) String() string {
	commit := b.Commit
	if b.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("ledger %s (%s) built %s", b.Version, commit, b.Time)
}

// String returns a one-line summary for logging.
func String() string {
	return Current().String()
}
