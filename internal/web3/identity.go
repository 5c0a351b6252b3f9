package web3

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is an agent's signing key and derived address.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewIdentity derives a deterministic key from the seed phrase. The same seed
// always yields the same address.
func NewIdentity(seed string) (*Identity, error) {
	if strings.TrimSpace(seed) == "" {
		return nil, errors.New("agent seed must not be empty")
	}

	material := crypto.Keccak256([]byte(seed))
	for attempt := 0; attempt < 8; attempt++ {
		key, err := crypto.ToECDSA(material)
		if err == nil {
			return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
		}
		// 落在曲线阶之外时继续哈希。
		material = crypto.Keccak256(material)
	}
	return nil, fmt.Errorf("unable to derive key from seed")
}

// Address returns the checksummed hex address.
func (i *Identity) Address() string {
	return i.address.Hex()
}

// CommonAddress returns the raw address.
func (i *Identity) CommonAddress() common.Address {
	return i.address
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (i *Identity) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, i.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Digest hashes arbitrary parts with keccak256.
func Digest(parts ...[]byte) []byte {
	return crypto.Keccak256(parts...)
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
