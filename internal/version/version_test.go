package version

import (
	"bytes"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// TestVersionStrings ensures Short and Full return consistent information.
func TestVersionStrings(t *testing.T) {
	t.Parallel()

	require.NotEmpty(t, Short())
	require.Contains(t, Full(), Short())
	require.Contains(t, Full(), Get().Platform)
}

// TestFromSettings fills unset values from VCS stamps and keeps ldflags values.
func TestFromSettings(t *testing.T) {
	t.Parallel()

	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-10-01T08:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	got := fromSettings(Info{Commit: "none", BuildTime: "unknown"}, settings)
	require.Equal(t, "0123456-dirty", got.Commit)
	require.Equal(t, "2026-10-01T08:00:00Z", got.BuildTime)

	got = fromSettings(Info{Commit: "abc1234", BuildTime: "2026-09-30"}, settings[:2])
	require.Equal(t, "abc1234", got.Commit)
	require.Equal(t, "2026-09-30", got.BuildTime)
}

// TestVersionCommand prints the short form with --short.
func TestVersionCommand(t *testing.T) {
	t.Parallel()

	root := &cobra.Command{Use: "arrivalctl"}
	AttachCobraVersionCommand(root)

	var out bytes.Buffer

	root.SetOut(&out)
	root.SetArgs([]string{"version", "--short"})
	require.NoError(t, root.Execute())
	require.Equal(t, Short(), strings.TrimSpace(out.String()))
}
