package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/config"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "worker", "migrate", "retry", "enqueue"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	for _, name := range []string{"up", "down", "version"} {
		cmd, _, err := root.Find([]string{"migrate", name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestMigrateDownRejectsBadSteps(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"migrate", "down", "zero"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive integer")
}

func TestRetryRequiresCode(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"retry"})
	assert.Error(t, root.Execute())
}

func TestSampleNetworkConfigLoads(t *testing.T) {
	cfg, err := config.LoadNetworkConfig("../../config/settlement.yaml")
	require.NoError(t, err)
	assert.Equal(t, "neo-testnet", cfg.DefaultChain)

	chain, ok := cfg.Chain("neo-testnet")
	require.True(t, ok)
	vault, ok := chain.Vault("usdt")
	require.True(t, ok)
	assert.Equal(t, int32(6), vault.Decimals)

	provider, ok := cfg.Provider("mpesa")
	require.True(t, ok)
	assert.Equal(t, "Body.stkCallback.CheckoutRequestID", provider.Paths[config.FieldCode])
}
