package semver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	v, err := Parse("v1.4.2-rc.1+build7")
	require.NoError(t, err)
	require.Equal(t, 1, v.Major)
	require.Equal(t, 4, v.Minor)
	require.Equal(t, 2, v.Patch)
	require.Equal(t, "rc.1", v.Prerelease)
	require.Equal(t, "build7", v.Build)
	require.Equal(t, "1.4.2-rc.1+build7", v.String())
	require.Equal(t, NewSemver(1, 4, 2), v.Semver())

	for _, bad := range []string{"", "1.2", "1.2.x", "1.2.3-", "99999999999999999999.0.0"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "2.0.0", -1},
		{"1.2.0", "1.1.9", 1},
		{"1.0.1", "1.0.2", -1},
		{"1.0.0-rc1", "1.0.0", -1},
		{"1.0.0", "1.0.0-rc1", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0+a", "1.0.0+b", 0},
	}
	for _, test := range tests {
		a, err := Parse(test.a)
		require.NoError(t, err)
		b, err := Parse(test.b)
		require.NoError(t, err)
		require.Equal(t, test.want, a.Compare(b), "%s vs %s", test.a, test.b)
	}

	require.Equal(t, 0, NewSemver(3, 1, 4).Version().Compare(&Version{Major: 3, Minor: 1, Patch: 4}))
}

func TestAnyCompatible(t *testing.T) {
	supported := []Semver{NewSemver(1, 0, 0), NewSemver(3, 2, 0)}
	require.True(t, AnyCompatible(supported, NewSemver(1, 9, 9)))
	require.True(t, AnyCompatible(supported, NewSemver(3, 0, 0)))
	require.False(t, AnyCompatible(supported, NewSemver(2, 0, 0)))
	require.False(t, AnyCompatible(nil, NewSemver(1, 0, 0)))
}
