package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
	"github.com/hotwallet-engine/internal/wallet"
)

// AddressService derives and registers client deposit addresses. Addresses
// are derived deterministically from the HD wallet, persisted lazily on
// first request, and for the UTXO chain imported into the node wallet so
// deposits show up in the wallet history.
type AddressService struct {
	store   ledger.Store
	wallet  *wallet.HDWallet
	bitcoin chain.BitcoinClient
	logger  *logging.Logger
}

// NewAddressService creates an address service.
func NewAddressService(store ledger.Store, hd *wallet.HDWallet, bitcoin chain.BitcoinClient, logger *logging.Logger) *AddressService {
	return &AddressService{
		store:   store,
		wallet:  hd,
		bitcoin: bitcoin,
		logger:  logger.WithField("component", "addresses"),
	}
}

// GetOrCreate returns the client's address for the chain and subpath,
// deriving and persisting it on first use. Derivation is deterministic, so
// two concurrent calls race harmlessly: the loser of the insert re-reads
// the winner's identical row.
func (s *AddressService) GetOrCreate(ctx context.Context, c types.Chain, clientID int64, subpath string) (*models.Addr, error) {
	path := wallet.JoinPath(clientID, subpath)

	addr, err := s.store.GetAddr(ctx, c, clientID, path)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	address, err := s.wallet.DeriveAddress(c, path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}

	// the import goes first: a persisted row means the node wallet watches
	// the address, so a failed import leaves no row and the next request
	// runs the whole sequence again. Re-importing the same key on a lost
	// insert race is a no-op on the node.
	if c == types.ChainBitcoin && s.bitcoin != nil {
		if err := s.importBitcoinKey(ctx, path, address); err != nil {
			return nil, fmt.Errorf("failed to import key into node wallet: %w", err)
		}
	}

	addr = &models.Addr{
		Chain:    c,
		ClientID: clientID,
		Path:     path,
		Address:  address,
	}
	if err := s.store.InsertAddr(ctx, addr); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return s.store.GetAddr(ctx, c, clientID, path)
		}
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"chain":   c,
		"client":  clientID,
		"path":    path,
		"address": address,
	}).Info("address created")
	return addr, nil
}

func (s *AddressService) importBitcoinKey(ctx context.Context, path, address string) error {
	wif, err := s.wallet.DeriveBitcoinWIF(path)
	if err != nil {
		return fmt.Errorf("failed to derive key for import: %w", err)
	}
	return s.bitcoin.ImportAddressKey(ctx, wif.String(), address)
}
