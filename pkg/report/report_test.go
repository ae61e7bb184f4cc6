package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrinter_PlainOutputForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Header("backend services")
	p.Warn("port %d is in use", 3000)
	p.Summary(
		[]ServiceLine{{Name: "shell", URL: "http://localhost:3000", LogPath: "shell_vite.log"}},
		[]Link{{Label: "Portal", URL: "http://localhost:3000"}},
	)

	out := buf.String()
	require.Contains(t, out, "========== BACKEND SERVICES ==========")
	require.Contains(t, out, IconWarning+" port 3000 is in use")
	require.Contains(t, out, "shell: http://localhost:3000")
	require.Contains(t, out, "Logs: shell_vite.log")
	require.Contains(t, out, "Portal: http://localhost:3000")
	require.NotContains(t, out, "\x1b[")
}
