package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/dohuyhoang93/DirectorySync/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("job", "a -> b"))
	ctx2 := log.ContextAttrs(ctx, slog.String("slot", "cycle"))
	logger.InfoContext(ctx2, "syncing")
	logger.DebugContext(ctx2, "hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "syncing", line["msg"])
	require.Equal(t, "a -> b", line["job"])
	require.Equal(t, "cycle", line["slot"])

	buf.Reset()
	logger.InfoContext(ctx, "parent")
	line = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.NotContains(t, line, "slot")
}
