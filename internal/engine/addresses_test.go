package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotwallet-engine/internal/engine"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/ledgertest"
	"github.com/hotwallet-engine/internal/types"
	"github.com/hotwallet-engine/internal/wallet"
)

const addrTestSeedHex = "642ce4e20f09c9f4d285c2b336063eaafbe4cb06dece8134f3a64bdd8f8c0c24" +
	"df73e1a2e7056359b6db61e179ff45e5ada51d14f07b30becb6d92b961d35df4"

func newAddressService(t *testing.T) (*engine.AddressService, *ledgertest.Store, *fakeBitcoinClient) {
	t.Helper()
	seed, err := wallet.SeedFromHex(addrTestSeedHex)
	require.NoError(t, err)
	hd, err := wallet.New(seed, &chaincfg.MainNetParams, true)
	require.NoError(t, err)

	store := ledgertest.NewStore()
	btc := newFakeBitcoinClient()
	return engine.NewAddressService(store, hd, btc, testLogger()), store, btc
}

func TestGetOrCreatePersistsDerivedAddress(t *testing.T) {
	service, store, _ := newAddressService(t)
	ctx := context.Background()

	addr, err := service.GetOrCreate(ctx, types.ChainEthereum, 7, "0")
	require.NoError(t, err)
	assert.Equal(t, "7/0", addr.Path)
	assert.NotEmpty(t, addr.Address)

	stored, err := store.GetAddr(ctx, types.ChainEthereum, 7, "7/0")
	require.NoError(t, err)
	assert.Equal(t, addr.Address, stored.Address)
}

func TestGetOrCreateIsDeterministic(t *testing.T) {
	service, _, _ := newAddressService(t)
	ctx := context.Background()

	first, err := service.GetOrCreate(ctx, types.ChainBitcoin, 7, "0")
	require.NoError(t, err)
	second, err := service.GetOrCreate(ctx, types.ChainBitcoin, 7, "0")
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)

	other, err := service.GetOrCreate(ctx, types.ChainBitcoin, 7, "1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Address, other.Address)
}

func TestGetOrCreateImportsBitcoinKey(t *testing.T) {
	service, _, btc := newAddressService(t)
	ctx := context.Background()

	addr, err := service.GetOrCreate(ctx, types.ChainBitcoin, 3, "0")
	require.NoError(t, err)

	require.Len(t, btc.imported, 1)
	assert.Equal(t, addr.Address, btc.imported[0])

	// a second call reads the stored row without re-importing
	_, err = service.GetOrCreate(ctx, types.ChainBitcoin, 3, "0")
	require.NoError(t, err)
	assert.Len(t, btc.imported, 1)
}

func TestGetOrCreateRetriesFailedBitcoinImport(t *testing.T) {
	service, store, btc := newAddressService(t)
	ctx := context.Background()

	btc.importErr = errors.New("node wallet unavailable")
	_, err := service.GetOrCreate(ctx, types.ChainBitcoin, 3, "0")
	require.Error(t, err)

	// no row until the node watches the address
	_, err = store.GetAddr(ctx, types.ChainBitcoin, 3, "3/0")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	btc.importErr = nil
	addr, err := service.GetOrCreate(ctx, types.ChainBitcoin, 3, "0")
	require.NoError(t, err)
	require.Len(t, btc.imported, 1)
	assert.Equal(t, addr.Address, btc.imported[0])
}

func TestGetOrCreateSkipsImportForEthereum(t *testing.T) {
	service, _, btc := newAddressService(t)

	_, err := service.GetOrCreate(context.Background(), types.ChainEthereum, 3, "0")
	require.NoError(t, err)
	assert.Empty(t, btc.imported)
}

func TestGetOrCreateSurvivesInsertRace(t *testing.T) {
	service, store, _ := newAddressService(t)
	ctx := context.Background()

	// simulate a concurrent winner by pre-inserting the identical row
	seedAddr(t, store, types.ChainEthereum, 9, "9/0", "0x00000000000000000000000000000000000000aa")

	addr, err := service.GetOrCreate(ctx, types.ChainEthereum, 9, "0")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", addr.Address)
}
