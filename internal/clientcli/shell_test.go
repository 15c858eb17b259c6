package clientcli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePortSpec(t *testing.T) {
	cases := []struct {
		spec        string
		remote, loc int
		wantErr     bool
	}{
		{"8080", 8080, 8080, false},
		{"8080:9090", 8080, 9090, false},
		{"nope", 0, 0, true},
		{"80:nope", 0, 0, true},
	}
	for _, c := range cases {
		remote, local, err := parsePortSpec(c.spec)
		if c.wantErr {
			require.Error(t, err, c.spec)
			continue
		}
		require.NoError(t, err, c.spec)
		require.Equal(t, c.remote, remote, c.spec)
		require.Equal(t, c.loc, local, c.spec)
	}
}

func TestMultiFlag(t *testing.T) {
	var m multiFlag
	require.NoError(t, m.Set("FOO=bar"))
	require.NoError(t, m.Set("BAZ=qux"))
	require.Equal(t, multiFlag{"FOO=bar", "BAZ=qux"}, m)
	require.Equal(t, "FOO=bar,BAZ=qux", m.String())
}

func TestToJSON(t *testing.T) {
	out := toJSON(map[string]any{"a": 1})
	require.Contains(t, out, `"a": 1`)
}

func TestShell_DispatchUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	s := &Shell{out: &buf}
	err := s.Dispatch(nil, "bogus")
	require.NoError(t, err)
	require.Contains(t, buf.String(), "unknown command: bogus")
}

func TestShell_DispatchEmptyLine(t *testing.T) {
	s := &Shell{out: &bytes.Buffer{}}
	require.NoError(t, s.Dispatch(nil, "   "))
}
