package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvTypeText(t *testing.T) {
	for _, et := range []EnvType{EnvTypeProduction, EnvTypeStaging, EnvTypeDevelopment, EnvTypePreview} {
		byt, err := json.Marshal(et)
		require.NoError(t, err)

		var out EnvType
		require.NoError(t, json.Unmarshal(byt, &out))
		require.Equal(t, et, out)
	}

	_, err := EnvTypeString("mars")
	require.Error(t, err)
}

func TestBurstFactor(t *testing.T) {
	require.Equal(t, DefaultConcurrencyLimitBurstFactor, Env{}.BurstFactor())
	require.Equal(t, 1.5, Env{ConcurrencyLimitBurstFactor: 1.5}.BurstFactor())
}
