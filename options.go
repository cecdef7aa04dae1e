package groupsync

import (
	"fmt"
	"time"

	"github.com/opd-ai/groupsync/keystore"
	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/transport"
)

// Default tuning values applied by Options.withDefaults.
const (
	DefaultEpochPollInterval   = 200 * time.Millisecond
	DefaultEpochPollTimeout    = 10 * time.Second
	DefaultWelcomePollInterval = 500 * time.Millisecond
	DefaultWelcomePollTimeout  = 30 * time.Second
)

// Options configures a Client. Identity, DataDir, and Transport are
// required; everything else has a working default.
type Options struct {
	// Identity is the stable external identity (a DID). The server tracks
	// conversation membership and key package pools per identity.
	Identity string

	// Device is the per-install suffix appended to the identity. When
	// empty, a random suffix is generated on first run and persisted in
	// DataDir so it survives restarts but not reinstalls.
	Device string

	// DataDir holds the encrypted group database and, unless a Keystore
	// is supplied, the signing key material.
	DataDir string

	// Transport is the connection to the messaging server.
	Transport transport.Transport

	// Keystore stores the Ed25519 signing seed. Defaults to a
	// password-protected file keystore in DataDir.
	Keystore keystore.Keystore

	// MasterPassword protects the default file keystore. Ignored when
	// Keystore is set.
	MasterPassword []byte

	// Engine provides the group cryptography. Defaults to the built-in
	// X25519/AES-GCM suite.
	Engine mls.Engine

	// PoolTarget and PoolThreshold tune the server-side key package pool.
	// Zero values take the package defaults.
	PoolTarget    int
	PoolThreshold int

	// EpochPollInterval and EpochPollTimeout tune how the sync gate waits
	// for the server epoch to catch up after a commit.
	EpochPollInterval time.Duration
	EpochPollTimeout  time.Duration

	// WelcomePollInterval and WelcomePollTimeout tune how recovery waits
	// for a rejoin Welcome.
	WelcomePollInterval time.Duration
	WelcomePollTimeout  time.Duration
}

func (o *Options) validate() error {
	if o.Identity == "" {
		return fmt.Errorf("options: Identity is required")
	}
	if o.Transport == nil {
		return fmt.Errorf("options: Transport is required")
	}
	if o.DataDir == "" {
		return fmt.Errorf("options: DataDir is required")
	}
	return nil
}

func (o *Options) withDefaults() {
	if o.EpochPollInterval <= 0 {
		o.EpochPollInterval = DefaultEpochPollInterval
	}
	if o.EpochPollTimeout <= 0 {
		o.EpochPollTimeout = DefaultEpochPollTimeout
	}
	if o.WelcomePollInterval <= 0 {
		o.WelcomePollInterval = DefaultWelcomePollInterval
	}
	if o.WelcomePollTimeout <= 0 {
		o.WelcomePollTimeout = DefaultWelcomePollTimeout
	}
}
