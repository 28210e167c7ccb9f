package luascript

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"lua/includes/add.lua": {Data: []byte("local function add(a, b) return a + b end\n")},
		"lua/sum.lua":          {Data: []byte("-- $include(add.lua)\nreturn add(tonumber(ARGV[1]), tonumber(ARGV[2]))\n")},
		"lua/nested/echo.lua":  {Data: []byte("return ARGV[1]\n")},
	}

	scripts := Load(fsys, "lua")
	require.Len(t, scripts, 2)
	require.Contains(t, scripts, "sum")
	require.Contains(t, scripts, "nested/echo")

	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	sum, err := scripts["sum"].Exec(ctx, rc, nil, []string{"2", "3"}).AsInt64()
	require.NoError(t, err)
	require.EqualValues(t, 5, sum)

	echo, err := scripts["nested/echo"].Exec(ctx, rc, nil, []string{"hi"}).ToString()
	require.NoError(t, err)
	require.Equal(t, "hi", echo)
}

func TestLoadMissingInclude(t *testing.T) {
	fsys := fstest.MapFS{
		"lua/broken.lua": {Data: []byte("-- $include(missing.lua)\nreturn 1\n")},
	}
	require.Panics(t, func() { Load(fsys, "lua") })
}
