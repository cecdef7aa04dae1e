// Package suite is the default engine behind the mls.Engine boundary:
// X25519 HPKE for sealing group secrets to members and joiners,
// HKDF-SHA256 for the epoch secret chain, and AES-128-GCM for message
// protection. Group state serializes to JSON for durable storage.
package suite

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/groupsync/mls"
)

const (
	secretSize     = 32
	messageKeySize = 16
	gcmNonceSize   = 12

	labelEpoch     = "groupsync epoch secret"
	labelMessage   = "groupsync message key"
	labelGroupInfo = "groupsync group info key"
	labelWelcome   = "groupsync welcome"
	labelCommit    = "groupsync commit"
)

// Engine implements mls.Engine on the suite mls.SuiteX25519AES128GCM.
type Engine struct {
	hpke hpke.CipherSuite
}

// New assembles the engine. The suite is fixed; the constructor fails only
// if the underlying primitives are unavailable.
func New() (*Engine, error) {
	hs, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128)
	if err != nil {
		return nil, fmt.Errorf("assemble hpke suite: %w", err)
	}
	return &Engine{hpke: hs}, nil
}

// NewKeyPackageBundle generates a single-use key package for cred signed
// with sigPriv, keeping the HPKE private key in the returned bundle.
func (e *Engine) NewKeyPackageBundle(cred mls.Credential, sigPriv ed25519.PrivateKey) (*mls.KeyPackageBundle, error) {
	sk, pk, err := e.hpke.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate init key: %w", err)
	}

	kp := mls.KeyPackage{
		Version:    mls.ProtocolVersion,
		Suite:      mls.SuiteX25519AES128GCM,
		InitKey:    e.hpke.KEM.Marshal(pk),
		Credential: cred,
	}
	if err := kp.Sign(sigPriv); err != nil {
		return nil, fmt.Errorf("sign key package: %w", err)
	}
	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	return &mls.KeyPackageBundle{
		KeyPackage: kp,
		InitPriv:   e.hpke.KEM.MarshalPrivate(sk),
		Ref:        ref,
	}, nil
}

// CreateGroup creates a one-member group at epoch 0 with a fresh epoch
// secret and leaf key.
func (e *Engine) CreateGroup(groupID []byte, cred mls.Credential, sigPriv ed25519.PrivateKey) (mls.GroupState, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate epoch secret: %w", err)
	}
	sk, pk, err := e.hpke.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	ownRef, err := cred.Ref()
	if err != nil {
		return nil, err
	}

	g := &Group{
		engine:      e,
		groupID:     append([]byte(nil), groupID...),
		epoch:       0,
		epochSecret: secret,
		roster: []mls.RosterEntry{{
			Credential: cred,
			InitKey:    e.hpke.KEM.Marshal(pk),
		}},
		cred:     cred,
		credRef:  ownRef,
		sigPriv:  sigPriv,
		leafPriv: e.hpke.KEM.MarshalPrivate(sk),
	}
	return g, nil
}

// JoinFromWelcome opens the Welcome entry addressed to bundle's key
// package and reconstructs the group at the Welcome's epoch. The joiner's
// leaf key is the bundle's init key.
func (e *Engine) JoinFromWelcome(welcomeBytes []byte, bundle *mls.KeyPackageBundle, cred mls.Credential, sigPriv ed25519.PrivateKey) (mls.GroupState, error) {
	w, err := mls.DecodeWelcome(welcomeBytes)
	if err != nil {
		return nil, err
	}

	var entry *mls.EncryptedGroupSecrets
	for i := range w.Secrets {
		if bytes.Equal(w.Secrets[i].RecipientRef, bundle.Ref) {
			entry = &w.Secrets[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("welcome for group %s names no entry for this key package", mls.GroupIDKey(w.GroupID))
	}

	raw, err := e.open(bundle.InitPriv, entry.KEMOutput, welcomeInfo(w.GroupID, w.Epoch), entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open welcome secrets: %w", err)
	}
	var secrets mls.GroupSecrets
	if _, err := syntax.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal group secrets: %w", err)
	}
	if secrets.Epoch != w.Epoch || !bytes.Equal(secrets.GroupID, w.GroupID) {
		return nil, fmt.Errorf("welcome secrets disagree with welcome header")
	}

	infoRaw, err := aesOpen(deriveKey(secrets.EpochSecret, labelGroupInfo, messageKeySize), w.EncryptedGroupInfo)
	if err != nil {
		return nil, fmt.Errorf("open group info: %w", err)
	}
	var gi mls.GroupInfo
	if _, err := syntax.Unmarshal(infoRaw, &gi); err != nil {
		return nil, fmt.Errorf("unmarshal group info: %w", err)
	}

	ownRef, err := cred.Ref()
	if err != nil {
		return nil, err
	}
	inRoster := false
	for _, re := range gi.Roster {
		if re.Credential.Equal(cred) {
			inRoster = true
			break
		}
	}
	if !inRoster {
		return nil, fmt.Errorf("joined roster does not contain %s", cred.DisplayID())
	}

	g := &Group{
		engine:      e,
		groupID:     append([]byte(nil), w.GroupID...),
		epoch:       w.Epoch,
		epochSecret: secrets.EpochSecret,
		roster:      gi.Roster,
		cred:        cred,
		credRef:     ownRef,
		sigPriv:     sigPriv,
		leafPriv:    append([]byte(nil), bundle.InitPriv...),
	}
	return g, nil
}

// LoadGroup restores a group from Serialize output.
func (e *Engine) LoadGroup(data []byte, cred mls.Credential, sigPriv ed25519.PrivateKey) (mls.GroupState, error) {
	var d groupDurable
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal group state: %w", err)
	}
	ownRef, err := cred.Ref()
	if err != nil {
		return nil, err
	}
	g := &Group{
		engine:      e,
		groupID:     d.GroupID,
		epoch:       d.Epoch,
		epochSecret: d.EpochSecret,
		roster:      d.Roster,
		cred:        cred,
		credRef:     ownRef,
		sigPriv:     sigPriv,
		leafPriv:    d.LeafPriv,
	}
	return g, nil
}

// seal HPKE-seals pt to the serialized KEM public key under info.
func (e *Engine) seal(pubBytes, info, pt []byte) (kemOutput, ct []byte, err error) {
	pk, err := e.hpke.KEM.Unmarshal(pubBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize recipient key: %w", err)
	}
	enc, ctx, err := hpke.SetupBaseS(e.hpke, rand.Reader, pk, info)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke setup: %w", err)
	}
	return enc, ctx.Seal(nil, pt), nil
}

// open reverses seal with the serialized KEM private key.
func (e *Engine) open(privBytes, kemOutput, info, ct []byte) ([]byte, error) {
	sk, err := e.hpke.KEM.UnmarshalPrivate(privBytes)
	if err != nil {
		return nil, fmt.Errorf("deserialize private key: %w", err)
	}
	ctx, err := hpke.SetupBaseR(e.hpke, sk, kemOutput, info)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	pt, err := ctx.Open(nil, ct)
	if err != nil {
		return nil, fmt.Errorf("hpke open: %w", err)
	}
	return pt, nil
}

// deriveKey expands a secret into a key for the given label.
func deriveKey(secret []byte, label string, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(sha256.New, secret, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err) // hkdf.Expand cannot fail for these sizes
	}
	return out
}

// nextEpochSecret chains the epoch secret forward: the old secret is the
// extract salt, a fresh commit secret is the input key material. Old
// epochs cannot be derived from new ones.
func nextEpochSecret(prev, commitSecret []byte) []byte {
	out := make([]byte, secretSize)
	r := hkdf.New(sha256.New, commitSecret, prev, []byte(labelEpoch))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}

// messageKey derives the per-sender AEAD key for one epoch.
func messageKey(epochSecret, senderRef []byte) []byte {
	return deriveKey(epochSecret, labelMessage+string(senderRef), messageKeySize)
}

// aesSeal encrypts pt with AES-GCM under key, prepending the nonce.
func aesSeal(key, pt []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, gcm.Seal(nil, nonce, pt, nil)...), nil
}

// aesOpen reverses aesSeal.
func aesOpen(key, data []byte) ([]byte, error) {
	if len(data) < gcmNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
}

func welcomeInfo(groupID []byte, epoch mls.Epoch) []byte {
	return append([]byte(fmt.Sprintf("%s|%d|", labelWelcome, epoch)), groupID...)
}

func commitInfo(groupID []byte, epoch mls.Epoch) []byte {
	return append([]byte(fmt.Sprintf("%s|%d|", labelCommit, epoch)), groupID...)
}
