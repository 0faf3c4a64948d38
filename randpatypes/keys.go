package randpatypes

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

// PubKey is a compressed secp256k1 public key, recoverable from a Signature
// and the digest it was produced over, mirroring the recoverable-signature
// convention block producers already use to sign blocks.
type PubKey [33]byte

func (k PubKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k PubKey) IsZero() bool {
	return k == PubKey{}
}

// Less gives PubKey a deterministic total order, used wherever sets of keys
// need a stable iteration order (BPKeySet.Keys, and through it Hash).
func (k PubKey) Less(other PubKey) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}

// Signature is a 65-byte recoverable ECDSA signature (1-byte recovery header
// + 32-byte R + 32-byte S), the same shape btcec's compact-signature format
// uses.
type Signature [65]byte

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Recover recovers the signer's public key from a signature and the digest
// it was produced over. It is the one place this module touches a concrete
// crypto primitive; everywhere else public keys simply arrive "recovered".
func (s Signature) Recover(digest [32]byte) (PubKey, error) {
	pub, _, err := ecdsa.RecoverCompact(s[:], digest[:])
	if err != nil {
		return PubKey{}, errors.Wrap(err, "recover public key from signature")
	}
	var pk PubKey
	copy(pk[:], pub.SerializeCompressed())
	return pk, nil
}

// SignatureProvider is the external collaborator that turns a digest into a
// Signature recoverable to a known PubKey. Concrete providers (e.g. an
// in-memory key, a hardware wallet, a remote signer) live outside this
// package; the core only ever calls through this interface.
type SignatureProvider interface {
	PublicKey() PubKey
	Sign(digest [32]byte) (Signature, error)
}

// LocalSignatureProvider signs with a private key held in process memory.
// It is the reference SignatureProvider used by tests and by --producer-name
// wiring in cmd/commands; a production deployment may swap in a provider
// backed by a remote signer without the core noticing.
type LocalSignatureProvider struct {
	priv *btcec.PrivateKey
	pub  PubKey
}

func NewLocalSignatureProvider(priv *btcec.PrivateKey) *LocalSignatureProvider {
	var pub PubKey
	copy(pub[:], priv.PubKey().SerializeCompressed())
	return &LocalSignatureProvider{priv: priv, pub: pub}
}

func GenLocalSignatureProvider() *LocalSignatureProvider {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return NewLocalSignatureProvider(priv)
}

func (p *LocalSignatureProvider) PublicKey() PubKey {
	return p.pub
}

func (p *LocalSignatureProvider) Sign(digest [32]byte) (Signature, error) {
	compact, err := ecdsa.SignCompact(p.priv, digest[:], true)
	if err != nil {
		return Signature{}, err
	}
	var sig Signature
	copy(sig[:], compact)
	return sig, nil
}
