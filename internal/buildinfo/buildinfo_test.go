package buildinfo

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func moduleInfo() *debug.BuildInfo {
	return &debug.BuildInfo{
		GoVersion: "go1.25.0",
		Main:      debug.Module{Path: "github.com/nugget/ledger-agent", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "3f9c2a7d81e04b6c9a1f0e2d7c6b5a4938271605"},
			{Key: "vcs.time", Value: "2026-10-01T14:03:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
}

func TestResolve_FallsBackToEmbeddedInfo(t *testing.T) {
	b := resolve("dev", "unknown", "unknown", moduleInfo())

	assert.Equal(t, "v0.4.1", b.Version)
	assert.Equal(t, "3f9c2a7d81e0", b.Commit)
	assert.Equal(t, "2026-10-01T14:03:00Z", b.Time)
	assert.True(t, b.Modified)
	assert.Equal(t, "go1.25.0", b.GoVersion)
	assert.Equal(t, "ledger v0.4.1 (3f9c2a7d81e0+dirty) built 2026-10-01T14:03:00Z", b.String())
}

func TestResolve_StampedValuesWin(t *testing.T) {
	b := resolve("1.2.0", "abc1234", "2026-10-02", moduleInfo())

	assert.Equal(t, "1.2.0", b.Version)
	assert.Equal(t, "abc1234", b.Commit)
	assert.Equal(t, "2026-10-02", b.Time)
}

func TestResolve_DevelBuild(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}
	b := resolve("dev", "unknown", "unknown", bi)
	assert.Equal(t, "dev", b.Version)
	assert.False(t, b.Modified)
	assert.NotEmpty(t, b.GoVersion)

	assert.Equal(t, "dev", resolve("dev", "unknown", "unknown", nil).Version)
}

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "modified", "go_version", "os", "arch", "uptime"} {
		assert.Contains(t, info, k)
	}
	assert.Equal(t, "ledger-agent/"+info["version"], UserAgent())
}
