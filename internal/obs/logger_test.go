package obs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToStderrOnly(t *testing.T) {
	log, err := NewLogger("debug", "")
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Info("hello")
}

func TestNewLoggerRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowqueue.log")
	log, err := NewLogger("info", path)
	require.NoError(t, err)
	log.Info("hello", String("k", "v"))
	require.NoError(t, log.Sync())

	_, err = os.Stat(path)
	require.NoError(t, err)
}
