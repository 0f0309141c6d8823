package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBuildTime(t *testing.T) {
	assert.True(t, parseBuildTime("unknown").IsZero())
	assert.True(t, parseBuildTime("yesterday").IsZero())
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), parseBuildTime("2026-03-04T05:06:07Z"))
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), parseBuildTime("2026-03-04 05:06:07"))
}

func TestResolveVersion(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v1.2.3"
	assert.Equal(t, "v1.2.3", resolveVersion(nil))

	Version = "dev"
	assert.Equal(t, "v0.4.0", resolveVersion(map[string]string{"main.version": "v0.4.0"}))
	assert.Equal(t, "dev-abcdef1", resolveVersion(map[string]string{"main.version": "(devel)", "vcs.revision": "abcdef1234"}))
	assert.Equal(t, "dev", resolveVersion(map[string]string{}))
}

func TestBuildInfoString(t *testing.T) {
	info := BuildInfo{Version: "v1.0.0", GitCommit: "unknown", GoVersion: "go1.24", Platform: "linux/amd64", Dirty: true}
	assert.Equal(t, "Version: v1.0.0\nGo: go1.24\nPlatform: linux/amd64\nWorking directory: dirty", info.String())
	assert.True(t, info.IsRelease())
	assert.False(t, BuildInfo{Version: "dev-abcdef1"}.IsRelease())
}
