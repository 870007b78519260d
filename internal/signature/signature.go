// Package signature verifies off-chain completion assertions. A performer
// signs a canonical digest binding one order on one deployment; the verifier
// confirms the signature was produced by the expected identity and nothing
// else. Verification fails closed: malformed input is an invalid signature,
// never a panic.
package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/ksred/escrow-api/internal/errs"
)

// domainTag separates completion digests from any other messages an
// identity key might sign.
const domainTag = "ESCROW_COMPLETION_V1"

const addressLen = 20

// AddressFromPublicKey derives the identity address for a signing key:
// the first 20 bytes of the SHA-256 of the public key, hex encoded.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:addressLen])
}

// IsWellFormedAddress reports whether s looks like a derived identity
// address. It does not prove a key for the address exists.
func IsWellFormedAddress(s string) bool {
	if len(s) != addressLen*2 {
		return false
	}
	raw, err := hex.DecodeString(s)
	return err == nil && len(raw) == addressLen
}

// Keyring resolves an identity address to its registered signing key.
type Keyring interface {
	PublicKey(identity string) (ed25519.PublicKey, bool)
}

// StaticKeyring is an in-memory Keyring for servers that register keys at
// startup and for tests.
type StaticKeyring struct {
	keys map[string]ed25519.PublicKey
}

func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{keys: make(map[string]ed25519.PublicKey)}
}

// Register stores pub under its derived address and returns that address.
func (k *StaticKeyring) Register(pub ed25519.PublicKey) string {
	addr := AddressFromPublicKey(pub)
	k.keys[addr] = append(ed25519.PublicKey(nil), pub...)
	return addr
}

func (k *StaticKeyring) PublicKey(identity string) (ed25519.PublicKey, bool) {
	pub, ok := k.keys[identity]
	return pub, ok
}

// Verifier checks completion signatures against a deployment context and
// the ledger's own identity, so a signature for order N on one deployment
// cannot be replayed against order N on another.
type Verifier struct {
	contextID string
	ledgerID  string
	keyring   Keyring
}

func NewVerifier(contextID, ledgerID string, keyring Keyring) *Verifier {
	return &Verifier{
		contextID: contextID,
		ledgerID:  ledgerID,
		keyring:   keyring,
	}
}

// CompletionDigest is the canonical message a performer signs to assert
// completion of an order: SHA-256 over the domain tag, the deployment
// context, the ledger identity and the big-endian order id.
func CompletionDigest(contextID, ledgerID string, orderID uint64) []byte {
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write([]byte(contextID))
	h.Write([]byte(ledgerID))

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], orderID)
	h.Write(id[:])

	return h.Sum(nil)
}

// SignCompletion produces a completion signature for an order. Used by the
// simulator and tests; a real performer signs client-side.
func SignCompletion(priv ed25519.PrivateKey, contextID, ledgerID string, orderID uint64) []byte {
	return ed25519.Sign(priv, CompletionDigest(contextID, ledgerID, orderID))
}

// DemoKey derives a deterministic demo signing key for a participant label,
// so the server and the simulator agree on demo identities without sharing
// key material out of band. Never used in production.
func DemoKey(label string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := sha256.Sum256([]byte("escrow-demo:" + label))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// VerifyCompletion checks that sig is expectedIdentity's signature over the
// canonical completion digest for orderID. Any failure, including an unknown
// identity, a wrong-length signature or a key whose derived address does not
// match, returns errs.ErrInvalidSignature.
func (v *Verifier) VerifyCompletion(orderID uint64, expectedIdentity string, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return errs.ErrInvalidSignature
	}

	pub, ok := v.keyring.PublicKey(expectedIdentity)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return errs.ErrInvalidSignature
	}

	// The keyring entry must actually belong to the expected identity.
	if AddressFromPublicKey(pub) != expectedIdentity {
		return errs.ErrInvalidSignature
	}

	digest := CompletionDigest(v.contextID, v.ledgerID, orderID)
	if !ed25519.Verify(pub, digest, sig) {
		return errs.ErrInvalidSignature
	}

	return nil
}
