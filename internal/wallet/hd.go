// Package wallet implements hierarchical deterministic key derivation for
// the supported chains. Derivation is pure: the same (chain, path) always
// yields the same address. Private keys are handed to the broadcaster for
// signing and are never logged or persisted.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hotwallet-engine/internal/types"
	"github.com/tyler-smith/go-bip39"
)

// HDWallet derives per-client keypairs and addresses from one master seed.
// The bitcoin branch is rooted at m/84'/0'/0'/0, the ethereum branch at
// m/44'/60'/0'/0'; paths passed to the derive methods are appended as
// non-hardened children.
type HDWallet struct {
	params  *chaincfg.Params
	bech32  bool
	btcNode *hdkeychain.ExtendedKey
	ethNode *hdkeychain.ExtendedKey
}

// New builds an HDWallet from the master seed. A malformed seed is a
// deployment misconfiguration: the error is fatal and there is no
// recoverable path.
func New(seed []byte, params *chaincfg.Params, bech32 bool) (*HDWallet, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("invalid master seed: %w", err)
	}
	btcNode, err := deriveSteps(master,
		hdkeychain.HardenedKeyStart+84,
		hdkeychain.HardenedKeyStart+0,
		hdkeychain.HardenedKeyStart+0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("deriving bitcoin branch: %w", err)
	}
	ethNode, err := deriveSteps(master,
		hdkeychain.HardenedKeyStart+44,
		hdkeychain.HardenedKeyStart+60,
		hdkeychain.HardenedKeyStart+0,
		hdkeychain.HardenedKeyStart+0,
	)
	if err != nil {
		return nil, fmt.Errorf("deriving ethereum branch: %w", err)
	}
	return &HDWallet{params: params, bech32: bech32, btcNode: btcNode, ethNode: ethNode}, nil
}

// SeedFromMnemonic derives the master seed from a BIP-39 mnemonic.
func SeedFromMnemonic(mnemonic string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return bip39.NewSeed(mnemonic, ""), nil
}

// SeedFromHex decodes a raw hex-encoded master seed.
func SeedFromHex(s string) ([]byte, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, fmt.Errorf("seed length %d out of range", len(seed))
	}
	return seed, nil
}

// JoinPath composes the canonical address path for a client: the client id
// followed by the client-chosen subpath, e.g. JoinPath(7, "0") == "7/0".
func JoinPath(clientID int64, subpath string) string {
	return fmt.Sprintf("%d/%s", clientID, subpath)
}

// DeriveAddress computes the address for (chain, path). Path components are
// slash-separated non-negative integers, e.g. "7/0".
func (w *HDWallet) DeriveAddress(chain types.Chain, path string) (string, error) {
	key, err := w.deriveKey(chain, path)
	if err != nil {
		return "", err
	}
	switch chain {
	case types.ChainBitcoin:
		pub, err := key.ECPubKey()
		if err != nil {
			return "", fmt.Errorf("deriving public key for %q: %w", path, err)
		}
		hash := btcutil.Hash160(pub.SerializeCompressed())
		if w.bech32 {
			addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, w.params)
			if err != nil {
				return "", fmt.Errorf("encoding p2wpkh address for %q: %w", path, err)
			}
			return addr.EncodeAddress(), nil
		}
		addr, err := btcutil.NewAddressPubKeyHash(hash, w.params)
		if err != nil {
			return "", fmt.Errorf("encoding p2pkh address for %q: %w", path, err)
		}
		return addr.EncodeAddress(), nil
	case types.ChainEthereum:
		pub, err := key.ECPubKey()
		if err != nil {
			return "", fmt.Errorf("deriving public key for %q: %w", path, err)
		}
		return crypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), nil
	default:
		return "", fmt.Errorf("unknown chain %q", chain)
	}
}

// DeriveBitcoinWIF returns the WIF-encoded signing key for a bitcoin path,
// for import into the node wallet.
func (w *HDWallet) DeriveBitcoinWIF(path string) (*btcutil.WIF, error) {
	key, err := w.deriveKey(types.ChainBitcoin, path)
	if err != nil {
		return nil, err
	}
	prv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("deriving private key for %q: %w", path, err)
	}
	wif, err := btcutil.NewWIF(prv, w.params, true)
	if err != nil {
		return nil, fmt.Errorf("encoding wif for %q: %w", path, err)
	}
	return wif, nil
}

// DeriveEthereumKey returns the ECDSA signing key for an ethereum path.
func (w *HDWallet) DeriveEthereumKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := w.deriveKey(types.ChainEthereum, path)
	if err != nil {
		return nil, err
	}
	prv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("deriving private key for %q: %w", path, err)
	}
	return prv.ToECDSA(), nil
}

// IsValidAddress reports whether addr is well formed for the chain.
func (w *HDWallet) IsValidAddress(chain types.Chain, addr string) bool {
	switch chain {
	case types.ChainBitcoin:
		decoded, err := btcutil.DecodeAddress(addr, w.params)
		return err == nil && decoded.IsForNet(w.params)
	case types.ChainEthereum:
		return common.IsHexAddress(addr)
	default:
		return false
	}
}

func (w *HDWallet) deriveKey(chain types.Chain, path string) (*hdkeychain.ExtendedKey, error) {
	var node *hdkeychain.ExtendedKey
	switch chain {
	case types.ChainBitcoin:
		node = w.btcNode
	case types.ChainEthereum:
		node = w.ethNode
	default:
		return nil, fmt.Errorf("unknown chain %q", chain)
	}
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return deriveSteps(node, steps...)
}

func parsePath(path string) ([]uint32, error) {
	if path == "" {
		return nil, fmt.Errorf("empty derivation path")
	}
	parts := strings.Split(path, "/")
	steps := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("invalid derivation path component %q in %q", p, path)
		}
		steps = append(steps, uint32(n))
	}
	return steps, nil
}

func deriveSteps(node *hdkeychain.ExtendedKey, steps ...uint32) (*hdkeychain.ExtendedKey, error) {
	key := node
	var err error
	for _, step := range steps {
		if key, err = key.Derive(step); err != nil {
			return nil, fmt.Errorf("derive step %d: %w", step, err)
		}
	}
	return key, nil
}
