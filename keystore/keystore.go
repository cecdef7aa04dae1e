// Package keystore holds the backed-up signature key: the one 32-byte
// secret a reinstalled device needs to re-derive its credential and
// request rejoin. The interface is the boundary to a platform-synced
// store; FileKeystore is the default encrypted-file implementation.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations follows the NIST recommendation.
	pbkdf2Iterations = 100000
	saltSize         = 32
	formatVersion    = 1

	keyFile = "signature.key"
)

// ErrNoKey is returned by Get when no key has been saved.
var ErrNoKey = errors.New("keystore: no key saved")

// Keystore stores and retrieves the 32-byte signature key seed.
type Keystore interface {
	Save(key [32]byte) error
	Get() (*[32]byte, error)
}

// FileKeystore encrypts the key at rest with AES-256-GCM under a key
// derived from the master password via PBKDF2. The salt lives next to the
// key file so the same password re-derives the same encryption key.
type FileKeystore struct {
	encKey  [32]byte
	dataDir string
}

// NewFileKeystore opens or initializes the keystore under dataDir.
func NewFileKeystore(dataDir string, masterPassword []byte) (*FileKeystore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}

	ks := &FileKeystore{dataDir: dataDir}
	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("initialize salt: %w", err)
	}
	derived := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(ks.encKey[:], derived)
	for i := range derived {
		derived[i] = 0
	}
	return ks, nil
}

func (ks *FileKeystore) saltPath() string { return filepath.Join(ks.dataDir, ".salt") }

func (ks *FileKeystore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltPath())
	if err == nil {
		if len(data) != saltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(ks.saltPath(), salt, 0o600); err != nil {
		return nil, fmt.Errorf("save salt: %w", err)
	}
	return salt, nil
}

// Save encrypts and writes the key. Format: version || nonce || sealed.
// The write is atomic via temp file + rename.
func (ks *FileKeystore) Save(key [32]byte) error {
	block, err := aes.NewCipher(ks.encKey[:])
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, key[:], nil)
	out := make([]byte, 2+len(nonce)+len(sealed))
	binary.BigEndian.PutUint16(out[0:2], formatVersion)
	copy(out[2:2+len(nonce)], nonce)
	copy(out[2+len(nonce):], sealed)

	tmp := filepath.Join(ks.dataDir, keyFile+".tmp")
	final := filepath.Join(ks.dataDir, keyFile)
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}

// Get decrypts and returns the saved key, or ErrNoKey.
func (ks *FileKeystore) Get() (*[32]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, keyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("key file too short: %d bytes", len(data))
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != formatVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", v)
	}

	block, err := aes.NewCipher(ks.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	plaintext, err := gcm.Open(nil, data[2:2+nonceSize], data[2+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt key (wrong password or corrupted data): %w", err)
	}
	if len(plaintext) != 32 {
		return nil, fmt.Errorf("decrypted key has %d bytes, want 32", len(plaintext))
	}

	var key [32]byte
	copy(key[:], plaintext)
	for i := range plaintext {
		plaintext[i] = 0
	}
	return &key, nil
}

// Memory is an in-memory Keystore for tests and ephemeral identities.
type Memory struct {
	mu  sync.Mutex
	key *[32]byte
}

// NewMemory returns an empty in-memory keystore.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(key [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key
	m.key = &k
	return nil
}

func (m *Memory) Get() (*[32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, ErrNoKey
	}
	k := *m.key
	return &k, nil
}
