package settlement

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip39"
)

// solanaDerivationPath is the standard wallet path m/44'/501'/0'/0'.
var solanaDerivationPath = []uint32{44, 501, 0, 0}

// LoadCustodialKey parses key material in any of the supported
// encodings: a JSON byte array, a comma-delimited byte list, a base-58
// private key, or a BIP-39 mnemonic phrase. legacyDerive switches
// mnemonic handling to the raw-seed mode older wallets used.
func LoadCustodialKey(material string, legacyDerive bool) (solana.PrivateKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, fmt.Errorf("%w: empty key material", ErrInvalidKeyMaterial)
	}

	switch {
	case strings.HasPrefix(material, "["):
		return keyFromJSONBytes(material)
	case strings.Contains(material, ","):
		return keyFromByteList(material)
	case len(strings.Fields(material)) >= 12:
		return keyFromMnemonic(material, legacyDerive)
	default:
		key, err := solana.PrivateKeyFromBase58(material)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		return key, nil
	}
}

func keyFromJSONBytes(material string) (solana.PrivateKey, error) {
	var raw []byte
	if err := json.Unmarshal([]byte(material), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return keyFromRaw(raw)
}

func keyFromByteList(material string) (solana.PrivateKey, error) {
	parts := strings.Split(material, ",")
	raw := make([]byte, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		raw = append(raw, byte(n))
	}
	return keyFromRaw(raw)
}

func keyFromRaw(raw []byte) (solana.PrivateKey, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return solana.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return solana.PrivateKey(ed25519.NewKeyFromSeed(raw)), nil
	default:
		return nil, fmt.Errorf("%w: expected 32 or 64 bytes, got %d", ErrInvalidKeyMaterial, len(raw))
	}
}

func keyFromMnemonic(mnemonic string, legacyDerive bool) (solana.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", ErrInvalidKeyMaterial)
	}

	seed := bip39.NewSeed(mnemonic, "")
	if legacyDerive {
		// Older wallets fed the first 32 seed bytes straight into the key.
		return solana.PrivateKey(ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])), nil
	}

	derived := deriveEd25519(seed, solanaDerivationPath)
	return solana.PrivateKey(ed25519.NewKeyFromSeed(derived)), nil
}

// deriveEd25519 walks a SLIP-10 hardened derivation path over the seed.
// Ed25519 only supports hardened children, so every index is hardened.
func deriveEd25519(seed []byte, path []uint32) []byte {
	key, chainCode := hmacSHA512([]byte("ed25519 seed"), seed)
	for _, index := range path {
		index |= 0x80000000

		data := make([]byte, 0, 1+len(key)+4)
		data = append(data, 0)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, index)

		key, chainCode = hmacSHA512(chainCode, data)
	}
	return key
}

func hmacSHA512(key, data []byte) (il, ir []byte) {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}
