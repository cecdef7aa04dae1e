package suite

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/opd-ai/groupsync/mls"
)

type member struct {
	cred mls.Credential
	priv ed25519.PrivateKey
}

func newMember(t *testing.T, identity, device string) member {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return member{cred: mls.NewCredential(priv, identity, device), priv: priv}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestCreateGroupStartsAtEpochZero(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")

	g, err := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if g.Epoch() != 0 {
		t.Errorf("epoch = %d, want 0", g.Epoch())
	}
	if len(g.Members()) != 1 {
		t.Errorf("members = %d, want 1", len(g.Members()))
	}
	if g.HasPendingCommit() {
		t.Error("new group has pending commit")
	}
}

func TestMergeAdvancesEpochAndSealsWelcome(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")
	bob := newMember(t, "did:example:bob", "laptop")

	g, err := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	bundle, err := e.NewKeyPackageBundle(bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("NewKeyPackageBundle: %v", err)
	}
	if err := g.StageAdd(bundle.KeyPackage); err != nil {
		t.Fatalf("StageAdd: %v", err)
	}
	if !g.HasPendingCommit() {
		t.Fatal("no pending commit after stage")
	}

	out, err := g.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.NewEpoch != 1 || g.Epoch() != 1 {
		t.Errorf("epoch = %d/%d, want 1", out.NewEpoch, g.Epoch())
	}
	if out.MemberCount != 2 {
		t.Errorf("member count = %d, want 2", out.MemberCount)
	}
	if g.HasPendingCommit() {
		t.Error("pending commit survived merge")
	}

	w, err := mls.DecodeWelcome(out.WelcomeBytes)
	if err != nil {
		t.Fatalf("DecodeWelcome: %v", err)
	}
	if !w.HasSecrets() {
		t.Fatal("transmitted welcome has no secrets")
	}
	if w.Epoch != 1 {
		t.Errorf("welcome epoch = %d, want 1", w.Epoch)
	}
}

func TestEpochMonotonicUnderRepeatedMerges(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")

	g, err := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for i := 0; i < 5; i++ {
		m := newMember(t, "did:example:guest", string(rune('a'+i)))
		bundle, err := e.NewKeyPackageBundle(m.cred, m.priv)
		if err != nil {
			t.Fatalf("bundle %d: %v", i, err)
		}
		if err := g.StageAdd(bundle.KeyPackage); err != nil {
			t.Fatalf("stage %d: %v", i, err)
		}
		out, err := g.Merge()
		if err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
		if out.NewEpoch != mls.Epoch(i+1) {
			t.Fatalf("merge %d: epoch = %d, want %d", i, out.NewEpoch, i+1)
		}
	}
}

func TestJoinFromWelcomeAndExchangeMessages(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")
	bob := newMember(t, "did:example:bob", "laptop")

	ga, err := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	bundle, err := e.NewKeyPackageBundle(bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("NewKeyPackageBundle: %v", err)
	}
	if err := ga.StageAdd(bundle.KeyPackage); err != nil {
		t.Fatalf("StageAdd: %v", err)
	}
	out, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	gb, err := e.JoinFromWelcome(out.WelcomeBytes, bundle, bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}
	if gb.Epoch() != ga.Epoch() {
		t.Fatalf("joiner epoch = %d, creator epoch = %d", gb.Epoch(), ga.Epoch())
	}
	if len(gb.Members()) != 2 {
		t.Fatalf("joiner members = %d, want 2", len(gb.Members()))
	}

	wire, err := ga.Protect([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	pt, err := gb.Unprotect(wire)
	if err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	if string(pt) != "hello bob" {
		t.Errorf("plaintext = %q", pt)
	}

	reply, err := gb.Protect([]byte("hi alice"))
	if err != nil {
		t.Fatalf("Protect reply: %v", err)
	}
	pt, err = ga.Unprotect(reply)
	if err != nil {
		t.Fatalf("Unprotect reply: %v", err)
	}
	if string(pt) != "hi alice" {
		t.Errorf("reply plaintext = %q", pt)
	}
}

func TestUnprotectRejectsOwnMessage(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")

	g, err := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	wire, err := g.Protect([]byte("echo"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if _, err := g.Unprotect(wire); !errors.Is(err, mls.ErrSecretReuse) {
		t.Fatalf("Unprotect own message: err = %v, want ErrSecretReuse", err)
	}
}

func TestUnprotectReportsEpochMismatchBeforeDecrypting(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")
	bob := newMember(t, "did:example:bob", "laptop")

	ga, _ := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	bundle, _ := e.NewKeyPackageBundle(bob.cred, bob.priv)
	if err := ga.StageAdd(bundle.KeyPackage); err != nil {
		t.Fatalf("StageAdd: %v", err)
	}
	out, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	gb, err := e.JoinFromWelcome(out.WelcomeBytes, bundle, bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}

	stale, err := gb.Protect([]byte("old news"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	// Advance both sides one epoch; the captured message is now stale.
	carol := newMember(t, "did:example:carol", "tablet")
	cb, _ := e.NewKeyPackageBundle(carol.cred, carol.priv)
	if err := ga.StageAdd(cb.KeyPackage); err != nil {
		t.Fatalf("StageAdd carol: %v", err)
	}
	out2, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge 2: %v", err)
	}
	if err := gb.ProcessCommit(out2.CommitBytes); err != nil {
		t.Fatalf("ProcessCommit: %v", err)
	}

	_, err = ga.Unprotect(stale)
	var em *mls.EpochMismatchError
	if !errors.As(err, &em) {
		t.Fatalf("err = %v, want EpochMismatchError", err)
	}
	if !em.Stale() {
		t.Errorf("mismatch not reported as stale: msg %d, group %d", em.MessageEpoch, em.GroupEpoch)
	}
}

func TestProcessCommitKeepsMembersInSync(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")
	bob := newMember(t, "did:example:bob", "laptop")
	carol := newMember(t, "did:example:carol", "tablet")

	ga, _ := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	bb, _ := e.NewKeyPackageBundle(bob.cred, bob.priv)
	if err := ga.StageAdd(bb.KeyPackage); err != nil {
		t.Fatalf("StageAdd bob: %v", err)
	}
	out, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	gb, err := e.JoinFromWelcome(out.WelcomeBytes, bb, bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}

	cb, _ := e.NewKeyPackageBundle(carol.cred, carol.priv)
	if err := ga.StageAdd(cb.KeyPackage); err != nil {
		t.Fatalf("StageAdd carol: %v", err)
	}
	out2, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge 2: %v", err)
	}
	if err := gb.ProcessCommit(out2.CommitBytes); err != nil {
		t.Fatalf("ProcessCommit: %v", err)
	}
	if gb.Epoch() != 2 || len(gb.Members()) != 3 {
		t.Fatalf("bob at epoch %d with %d members, want 2/3", gb.Epoch(), len(gb.Members()))
	}

	gc, err := e.JoinFromWelcome(out2.WelcomeBytes, cb, carol.cred, carol.priv)
	if err != nil {
		t.Fatalf("carol JoinFromWelcome: %v", err)
	}
	wire, err := gc.Protect([]byte("from carol"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	pt, err := gb.Unprotect(wire)
	if err != nil {
		t.Fatalf("bob Unprotect carol: %v", err)
	}
	if string(pt) != "from carol" {
		t.Errorf("plaintext = %q", pt)
	}
}

func TestProcessCommitRemovingLocalMember(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")
	bob := newMember(t, "did:example:bob", "laptop")

	ga, _ := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	bb, _ := e.NewKeyPackageBundle(bob.cred, bob.priv)
	if err := ga.StageAdd(bb.KeyPackage); err != nil {
		t.Fatalf("StageAdd: %v", err)
	}
	out, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	gb, err := e.JoinFromWelcome(out.WelcomeBytes, bb, bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}

	if err := ga.StageRemove(bob.cred); err != nil {
		t.Fatalf("StageRemove: %v", err)
	}
	out2, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge remove: %v", err)
	}
	if out2.MemberCount != 1 {
		t.Errorf("member count = %d, want 1", out2.MemberCount)
	}
	if err := gb.ProcessCommit(out2.CommitBytes); !errors.Is(err, mls.ErrRemovedFromGroup) {
		t.Fatalf("ProcessCommit: err = %v, want ErrRemovedFromGroup", err)
	}
}

func TestStageAddRejectsExistingMember(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")

	g, _ := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	bundle, err := e.NewKeyPackageBundle(alice.cred, alice.priv)
	if err != nil {
		t.Fatalf("NewKeyPackageBundle: %v", err)
	}
	err = g.StageAdd(bundle.KeyPackage)
	var dup *mls.DuplicateKeyPackageError
	if !errors.As(err, &dup) {
		t.Fatalf("StageAdd self: err = %v, want DuplicateKeyPackageError", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	e := newEngine(t)
	alice := newMember(t, "did:example:alice", "phone")
	bob := newMember(t, "did:example:bob", "laptop")

	ga, _ := e.CreateGroup([]byte("convo-1"), alice.cred, alice.priv)
	bb, _ := e.NewKeyPackageBundle(bob.cred, bob.priv)
	if err := ga.StageAdd(bb.KeyPackage); err != nil {
		t.Fatalf("StageAdd: %v", err)
	}
	out, err := ga.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	gb, err := e.JoinFromWelcome(out.WelcomeBytes, bb, bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}

	data, err := gb.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	restored, err := e.LoadGroup(data, bob.cred, bob.priv)
	if err != nil {
		t.Fatalf("LoadGroup: %v", err)
	}
	if restored.Epoch() != gb.Epoch() || len(restored.Members()) != 2 {
		t.Fatalf("restored epoch %d members %d", restored.Epoch(), len(restored.Members()))
	}

	wire, err := ga.Protect([]byte("still here"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	pt, err := restored.Unprotect(wire)
	if err != nil {
		t.Fatalf("restored Unprotect: %v", err)
	}
	if string(pt) != "still here" {
		t.Errorf("plaintext = %q", pt)
	}
}

func TestEncodeWelcomeRefusesEmptySecrets(t *testing.T) {
	w := &mls.Welcome{
		Version: mls.ProtocolVersion,
		Suite:   mls.SuiteX25519AES128GCM,
		GroupID: []byte("convo-1"),
		Epoch:   1,
	}
	if _, err := mls.EncodeWelcome(w); !errors.Is(err, mls.ErrWelcomeNoSecrets) {
		t.Fatalf("EncodeWelcome: err = %v, want ErrWelcomeNoSecrets", err)
	}
}
