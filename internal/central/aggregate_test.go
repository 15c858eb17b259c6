package central

import (
	"encoding/json"
	"testing"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestAnySuccess_ReturnsFirstSuccessfulFields(t *testing.T) {
	results := map[string]wire.Frame{
		"node-a": wire.Failure("", int(errs.DaemonError), "boom"),
		"node-b": wire.Success("", map[string]any{"ok": true}),
	}

	fields, err := AnySuccess(results)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(fields, &out))
	require.Equal(t, true, out["ok"])
}

func TestAnySuccess_AllFail_ReturnsMostCommonError(t *testing.T) {
	results := map[string]wire.Frame{
		"node-a": wire.Failure("", int(errs.NotFound), "missing"),
		"node-b": wire.Failure("", int(errs.NotFound), "missing"),
		"node-c": wire.Failure("", int(errs.DaemonError), "other"),
	}

	_, err := AnySuccess(results)
	require.Error(t, err)
	ce := errs.As(err)
	require.Equal(t, errs.DaemonError, ce.Code)
	require.Contains(t, ce.Msg, "code=17")
	require.Contains(t, ce.Msg, "msg=missing")
}

func TestAnySuccess_NoDaemons(t *testing.T) {
	_, err := AnySuccess(map[string]wire.Frame{})
	require.Error(t, err)
	require.Equal(t, errs.DaemonError, errs.As(err).Code)
}

func TestUnion_MergesListsAndObjects(t *testing.T) {
	results := map[string]wire.Frame{
		"node-a": wire.Success("", map[string]any{
			"ids":  []any{"a"},
			"meta": map[string]any{"region": "us"},
		}),
		"node-b": wire.Success("", map[string]any{
			"ids":  []any{"b"},
			"meta": map[string]any{"zone": "1"},
		}),
	}

	fields, conflicts, err := Union(results)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	var out struct {
		Ids  []string       `json:"ids"`
		Meta map[string]any `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(fields, &out))
	require.ElementsMatch(t, []string{"a", "b"}, out.Ids)
	require.Equal(t, "us", out.Meta["region"])
	require.Equal(t, "1", out.Meta["zone"])
}

func TestUnion_SurfacesScalarConflicts(t *testing.T) {
	results := map[string]wire.Frame{
		"node-a": wire.Success("", map[string]any{"status": "running"}),
		"node-b": wire.Success("", map[string]any{"status": "stopped"}),
	}

	_, conflicts, err := Union(results)
	require.NoError(t, err)
	require.Contains(t, conflicts, "status")
}

func TestUnion_FailsFastOnDaemonError(t *testing.T) {
	results := map[string]wire.Frame{
		"node-a": wire.Failure("", int(errs.DaemonError), "crashed"),
	}

	_, _, err := Union(results)
	require.Error(t, err)
	require.Equal(t, errs.DaemonError, errs.As(err).Code)
}
