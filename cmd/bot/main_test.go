package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/pipeline"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeLines[T any](t *testing.T, s string) []T {
	t.Helper()
	var items []T
	dec := json.NewDecoder(strings.NewReader(s))
	for dec.More() {
		var v T
		require.NoError(t, dec.Decode(&v))
		items = append(items, v)
	}
	return items
}

func TestParseCommand(t *testing.T) {
	out, err := execute(t, "", "parse", "BOUGHT SPY 450C $3.20 [10 contracts]", "good morning")
	require.NoError(t, err)

	intents := decodeLines[models.TradeIntent](t, out)
	require.Len(t, intents, 2)
	assert.True(t, intents[0].Valid)
	assert.Equal(t, models.ActionBought, intents[0].Action)
	assert.Equal(t, "SPY", intents[0].Ticker)
	assert.Equal(t, "450", intents[0].Strike.String())
	assert.False(t, intents[1].Valid)
}

func TestParseCommand_Stdin(t *testing.T) {
	out, err := execute(t, "SOLD SPY 450C $4.00 [10 contracts]\n\n", "parse")
	require.NoError(t, err)

	intents := decodeLines[models.TradeIntent](t, out)
	require.Len(t, intents, 1)
	assert.Equal(t, models.ActionSold, intents[0].Action)
}

type debugLine struct {
	Status pipeline.Status `json:"status"`
	Error  string          `json:"error"`
}

func TestDebugCommand(t *testing.T) {
	out, err := execute(t, "",
		"debug", "--spot", "SPY=450", "--tolerance", "1000",
		"hello there",
		"SOLD SPY 450C $4.00 [2 contracts]",
		"BOUGHT SPY 450C $3.20 [2 contracts]",
		"SOLD SPY 450C $4.00 [2 contracts]",
	)
	require.NoError(t, err)

	lines := decodeLines[debugLine](t, out)
	require.Len(t, lines, 4)
	assert.Equal(t, pipeline.StatusSkipped, lines[0].Status)
	assert.Equal(t, pipeline.StatusRejected, lines[1].Status)
	assert.NotEmpty(t, lines[1].Error)
	assert.Equal(t, pipeline.StatusExecuted, lines[2].Status, lines[2].Error)
	assert.Equal(t, pipeline.StatusExecuted, lines[3].Status, lines[3].Error)
}

func TestDebugCommand_BadFlags(t *testing.T) {
	_, err := execute(t, "", "debug", "--tolerance", "abc", "x")
	assert.Error(t, err)

	_, err = execute(t, "", "debug", "--spot", "SPY=abc", "x")
	assert.Error(t, err)
}

func TestConfigErrorsAreFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment:\n  mode: sideways\n"), 0o600))

	for _, sub := range []string{"run", "backfill", "reconcile", "dashboard"} {
		_, err := execute(t, "", sub, "--config", path)
		require.Error(t, err, sub)
		assert.Contains(t, err.Error(), "failed to load config", sub)
	}
}

func TestImportRequiresFile(t *testing.T) {
	_, err := execute(t, "", "import-csv")
	assert.Error(t, err)
}
