package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5432", cfg.Postgres.Port)
	assert.Equal(t, int64(2), cfg.Bitcoin.ConfThreshold)
	assert.Equal(t, uint64(3), cfg.Ethereum.HeadLag)
	assert.Equal(t, time.Minute, cfg.Bitcoin.DepositInterval)
	assert.Empty(t, cfg.Tokens)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BITCOIN_CONF_THRESHOLD", "6")
	t.Setenv("ETHEREUM_DEPOSIT_INTERVAL", "45s")
	t.Setenv("WALLET_BECH32", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(6), cfg.Bitcoin.ConfThreshold)
	assert.Equal(t, 45*time.Second, cfg.Ethereum.DepositInterval)
	assert.False(t, cfg.Wallet.Bech32)
}

func TestParseTokens(t *testing.T) {
	t.Run("single token", func(t *testing.T) {
		tokens, err := parseTokens("BMART:0x986ee2b944c42d017f52af21c4c69b84dbea35d8:6")
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, "BMART", tokens[0].Symbol)
		assert.Equal(t, int32(6), tokens[0].Decimals)
	})

	t.Run("multiple tokens", func(t *testing.T) {
		tokens, err := parseTokens("AAA:0x1:18, BBB:0x2:8")
		require.NoError(t, err)
		assert.Len(t, tokens, 2)
	})

	t.Run("malformed spec", func(t *testing.T) {
		_, err := parseTokens("AAA:0x1")
		assert.Error(t, err)
	})

	t.Run("bad decimals", func(t *testing.T) {
		_, err := parseTokens("AAA:0x1:lots")
		assert.Error(t, err)
	})
}
