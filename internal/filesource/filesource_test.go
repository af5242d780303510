package filesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/variantz/internal/core"
)

const validFlags = `[
	{
		"key": "new-checkout",
		"metadata": {"evaluationMode": "local"},
		"variants": {"on": {"key": "on"}, "off": {"key": "off", "metadata": {"default": true}}},
		"segments": [
			{
				"conditions": [[{"selector": ["context", "user", "country"], "op": "is", "values": ["NZ"]}]],
				"bucket": {
					"selector": ["context", "user", "device_id"],
					"salt": "abc",
					"allocations": [{"range": [0, 100], "distributions": [{"variant": "on", "range": [0, 42949673]}]}]
				},
				"variant": "off"
			},
			{"variant": "off"}
		]
	}
]`

func TestParse(t *testing.T) {
	flags, err := Parse([]byte(validFlags))
	require.NoError(t, err)
	require.Len(t, flags, 1)

	flag := flags[0]
	assert.Equal(t, "new-checkout", flag.Key)
	assert.True(t, flag.IsLocalEvaluationMode())
	require.Len(t, flag.Segments, 2)
	assert.Equal(t, core.OperatorIs, flag.Segments[0].Conditions[0][0].Op)
	assert.Nil(t, flag.Segments[1].Conditions)
}

func TestParseRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not an array", raw: `{"key": "x"}`},
		{name: "missing key", raw: `[{"variants": {}}]`},
		{name: "unknown operator", raw: `[{"key": "x", "segments": [{"conditions": [[{"selector": ["a"], "op": "between", "values": []}]]}]}]`},
		{name: "short range", raw: `[{"key": "x", "segments": [{"bucket": {"selector": ["a"], "salt": "", "allocations": [{"range": [0], "distributions": []}]}}]}]`},
		{name: "empty selector", raw: `[{"key": "x", "segments": [{"conditions": [[{"selector": [], "op": "is", "values": []}]]}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.NotEmpty(t, validationErr.Problems)
		})
	}

	_, err := Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(validFlags), 0o600))

	flags, err := New(path, nil).FetchFlags(context.Background())
	require.NoError(t, err)
	assert.Len(t, flags, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read flag file")

	_, err = Load("")
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan []core.Flag, 16)
	done := make(chan error, 1)
	go func() {
		done <- New(path, nil).Watch(ctx, func(flags []core.Flag) { changes <- flags })
	}()

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(validFlags), 0o600))

	var got []core.Flag
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(path, []byte(validFlags), 0o600))
		select {
		case got = <-changes:
			return len(got) == 1
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "new-checkout", got[0].Key)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
