package mls

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// Epoch is a monotonically increasing version counter for a group. Each
// merged commit advances it by exactly one and invalidates the previous
// epoch's message keys.
type Epoch uint64

// ProtocolVersion identifies the wire format produced by this module.
const ProtocolVersion uint8 = 1

// SuiteX25519AES128GCM is the only cipher suite currently supported:
// DHKEM(X25519) + HKDF-SHA256 + AES-128-GCM.
const SuiteX25519AES128GCM uint16 = 0x0001

// Credential binds a stable external identity (a DID) and a per-device
// suffix to an Ed25519 signature public key. Credentials are derived
// deterministically from the signature private key, so only the 32-byte
// private seed needs backup.
type Credential struct {
	Identity     []byte `tls:"head=2" json:"identity"`
	Device       []byte `tls:"head=1" json:"device"`
	SignatureKey []byte `tls:"head=2" json:"signature_key"`
}

// NewCredential derives the credential for identity on the given device
// from an Ed25519 private key.
func NewCredential(priv ed25519.PrivateKey, identity, device string) Credential {
	pub := priv.Public().(ed25519.PublicKey)
	return Credential{
		Identity:     []byte(identity),
		Device:       []byte(device),
		SignatureKey: append([]byte(nil), pub...),
	}
}

// Equal reports whether two credentials are byte-identical.
func (c Credential) Equal(o Credential) bool {
	return bytes.Equal(c.Identity, o.Identity) &&
		bytes.Equal(c.Device, o.Device) &&
		bytes.Equal(c.SignatureKey, o.SignatureKey)
}

// DisplayID returns "identity#device", the human-readable form used in
// logs and diagnostics.
func (c Credential) DisplayID() string {
	if len(c.Device) == 0 {
		return string(c.Identity)
	}
	return string(c.Identity) + "#" + string(c.Device)
}

// Ref returns a stable hash of the marshaled credential, used as a map key
// and as the sender reference in message framing.
func (c Credential) Ref() ([]byte, error) {
	raw, err := syntax.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// KeyPackage is the public, single-use pre-key bundle published to the
// server so that other members can add this credential to a group.
type KeyPackage struct {
	Version    uint8
	Suite      uint16
	InitKey    []byte `tls:"head=2"` // serialized HPKE KEM public key
	Credential Credential
	Signature  []byte `tls:"head=2"`
}

// signedContent returns the byte string covered by the key package
// signature.
func (kp KeyPackage) signedContent() ([]byte, error) {
	unsigned := kp
	unsigned.Signature = nil
	return syntax.Marshal(unsigned)
}

// Sign signs the key package with the credential's private key.
func (kp *KeyPackage) Sign(priv ed25519.PrivateKey) error {
	tbs, err := kp.signedContent()
	if err != nil {
		return err
	}
	kp.Signature = ed25519.Sign(priv, tbs)
	return nil
}

// Verify checks the key package signature against its own credential.
func (kp KeyPackage) Verify() error {
	if len(kp.Credential.SignatureKey) != ed25519.PublicKeySize {
		return fmt.Errorf("key package: bad signature key length %d", len(kp.Credential.SignatureKey))
	}
	tbs, err := kp.signedContent()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(kp.Credential.SignatureKey), tbs, kp.Signature) {
		return fmt.Errorf("key package: invalid signature for %s", kp.Credential.DisplayID())
	}
	return nil
}

// Ref returns the hash reference identifying this key package. A Welcome
// addressed to this package carries the same reference, which is how the
// receiver locates the matching private bundle.
func (kp KeyPackage) Ref() ([]byte, error) {
	raw, err := syntax.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("marshal key package: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// EncodeKeyPackage serializes a key package for publication.
func EncodeKeyPackage(kp KeyPackage) ([]byte, error) {
	return syntax.Marshal(kp)
}

// DecodeKeyPackage parses a published key package and verifies its
// signature.
func DecodeKeyPackage(data []byte) (KeyPackage, error) {
	var kp KeyPackage
	if _, err := syntax.Unmarshal(data, &kp); err != nil {
		return KeyPackage{}, fmt.Errorf("unmarshal key package: %w", err)
	}
	if err := kp.Verify(); err != nil {
		return KeyPackage{}, err
	}
	return kp, nil
}

// KeyPackageBundle pairs a published key package with the private HPKE key
// material needed to consume a Welcome that references it. Losing the
// bundle before the Welcome arrives is the desync condition the recovery
// flow exists for.
type KeyPackageBundle struct {
	KeyPackage KeyPackage `json:"key_package"`
	InitPriv   []byte     `json:"init_priv"` // serialized HPKE KEM private key
	Ref        []byte     `json:"ref"`
}

// RefKey returns the bundle reference as a map key.
func (b *KeyPackageBundle) RefKey() string { return hex.EncodeToString(b.Ref) }

// GroupSecrets is the per-recipient payload sealed inside a Welcome (and,
// for existing members, inside a commit): everything needed to enter the
// group at the stated epoch.
type GroupSecrets struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       Epoch
	EpochSecret []byte `tls:"head=1"`
}

// EncryptedGroupSecrets carries GroupSecrets HPKE-sealed to one
// recipient's init key, tagged with the key package (or leaf) reference
// the recipient should look up.
type EncryptedGroupSecrets struct {
	RecipientRef []byte `tls:"head=1"`
	KEMOutput    []byte `tls:"head=2"`
	Ciphertext   []byte `tls:"head=4"`
}

// Welcome lets newly added members derive the current group secrets. A
// Welcome is only meaningful after the commit that produced it has been
// merged; until then it has no Secrets entries and must never be
// transmitted.
type Welcome struct {
	Version            uint8
	Suite              uint16
	GroupID            []byte                  `tls:"head=1"`
	Epoch              Epoch
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// HasSecrets reports whether the Welcome carries at least one sealed
// recipient entry.
func (w *Welcome) HasSecrets() bool { return len(w.Secrets) > 0 }

// EncodeWelcome serializes a Welcome for transport. It refuses to encode a
// Welcome with no secrets: that is always a merge-then-send violation, not
// a retryable condition.
func EncodeWelcome(w *Welcome) ([]byte, error) {
	if !w.HasSecrets() {
		return nil, ErrWelcomeNoSecrets
	}
	return syntax.Marshal(*w)
}

// DecodeWelcome parses an inbound Welcome.
func DecodeWelcome(data []byte) (*Welcome, error) {
	var w Welcome
	if _, err := syntax.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal welcome: %w", err)
	}
	if !w.HasSecrets() {
		return nil, ErrWelcomeNoSecrets
	}
	return &w, nil
}

// RosterEntry is one member as recorded in the group roster.
type RosterEntry struct {
	Credential Credential
	InitKey    []byte `tls:"head=2"` // member's current HPKE leaf public key
}

// GroupInfo is the roster payload carried (encrypted) inside a Welcome.
type GroupInfo struct {
	GroupID []byte        `tls:"head=1"`
	Epoch   Epoch
	Roster  []RosterEntry `tls:"head=4"`
}

// Commit is the wire form of a membership change: the adds and removes,
// plus the next epoch secret sealed to every surviving member.
type Commit struct {
	GroupID   []byte       `tls:"head=1"`
	PrevEpoch Epoch
	Adds      []KeyPackage            `tls:"head=4"`
	Removes   []Credential            `tls:"head=4"`
	Secrets   []EncryptedGroupSecrets `tls:"head=4"`
	SenderRef []byte                  `tls:"head=1"`
	Signature []byte                  `tls:"head=2"`
}

// EncodeCommit serializes a commit for transport.
func EncodeCommit(c *Commit) ([]byte, error) { return syntax.Marshal(*c) }

// DecodeCommit parses an inbound commit.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if _, err := syntax.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}
	return &c, nil
}

// Message is the framing for an encrypted application message. The epoch
// and sender reference are visible so receivers can skip forward-secrecy-
// expired traffic and their own echoes before any decryption is attempted.
type Message struct {
	GroupID    []byte `tls:"head=1"`
	Epoch      Epoch
	SenderRef  []byte `tls:"head=1"`
	Nonce      []byte `tls:"head=1"`
	Ciphertext []byte `tls:"head=4"`
}

// EncodeMessage serializes a protected message.
func EncodeMessage(m *Message) ([]byte, error) { return syntax.Marshal(*m) }

// DecodeMessage parses an inbound protected message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if _, err := syntax.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

// PeekMessage decodes only the routing fields of a protected message so
// callers can perform epoch and sender checks without touching key
// material.
func PeekMessage(data []byte) (groupID []byte, epoch Epoch, senderRef []byte, err error) {
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, 0, nil, err
	}
	return m.GroupID, m.Epoch, m.SenderRef, nil
}

// GroupIDKey converts an opaque group identifier to a map key.
func GroupIDKey(groupID []byte) string { return hex.EncodeToString(groupID) }
