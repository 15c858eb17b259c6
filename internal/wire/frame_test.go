package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RequestRoundTrips(t *testing.T) {
	f := Request("t1", "run", map[string]any{"name": "job", "n_jobs": 2})
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "t1", got.Ticket)
	require.Equal(t, "run", got.Cmd)
	require.False(t, got.IsResponse())

	var args struct {
		Name  string `json:"name"`
		NJobs int    `json:"n_jobs"`
	}
	require.NoError(t, got.Decode(&args))
	require.Equal(t, "job", args.Name)
	require.Equal(t, 2, args.NJobs)
}

func TestFrame_SuccessRoundTrips(t *testing.T) {
	f := Success("t2", map[string]any{"ok": true})
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(data, &got))
	require.True(t, got.IsResponse())
	require.Equal(t, 0, *got.Code)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, got.Decode(&out))
	require.True(t, out.OK)
}

func TestFrame_FailureRoundTrips(t *testing.T) {
	f := Failure("t3", 7, "nope")
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(data, &got))
	require.True(t, got.IsResponse())
	require.Equal(t, 7, *got.Code)
	require.Equal(t, "nope", got.Msg)
}

func TestFrame_DecodeEmptyFieldsIntoStruct(t *testing.T) {
	f := Frame{Ticket: "t4", Cmd: "nodes"}
	var args struct {
		Filt string `json:"filt"`
	}
	require.NoError(t, f.Decode(&args))
	require.Equal(t, "", args.Filt)
}

func TestFieldsOf_PanicsOnUnmarshalableValue(t *testing.T) {
	require.Panics(t, func() {
		FieldsOf(make(chan int))
	})
}
