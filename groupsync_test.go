package groupsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/groupsync/keystore"
	"github.com/opd-ai/groupsync/mls"
	"github.com/opd-ai/groupsync/transport"
	"github.com/opd-ai/groupsync/transport/devserver"
)

func newTestClient(t *testing.T, server transport.Transport, identity string) *Client {
	t.Helper()
	c, err := New(Options{
		Identity:            identity,
		DataDir:             t.TempDir(),
		Transport:           server,
		Keystore:            keystore.NewMemory(),
		EpochPollInterval:   10 * time.Millisecond,
		EpochPollTimeout:    2 * time.Second,
		WelcomePollInterval: 10 * time.Millisecond,
		WelcomePollTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAddAndExchangeMessages(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}

	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if alice.ConversationState(convoID) != StateActive {
		t.Fatalf("creator state = %q, want active", alice.ConversationState(convoID))
	}

	// Bob has not joined; his gate knows nothing about the conversation.
	if _, err := bob.SendMessage(ctx, convoID, []byte("early")); !errors.Is(err, ErrConversationNotReady) {
		t.Fatalf("send before join: err = %v, want ErrConversationNotReady", err)
	}

	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if alice.ConversationState(convoID) != StateActive {
		t.Fatalf("state after commit = %q, want active", alice.ConversationState(convoID))
	}

	joined, err := bob.FetchWelcome(ctx, convoID)
	if err != nil {
		t.Fatalf("FetchWelcome: %v", err)
	}
	if joined != convoID {
		t.Fatalf("joined %q, want %q", joined, convoID)
	}

	if _, err := alice.SendMessage(ctx, convoID, []byte("hello bob")); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	if _, err := bob.SendMessage(ctx, convoID, []byte("hello alice")); err != nil {
		t.Fatalf("bob send: %v", err)
	}

	got, err := bob.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("bob sync: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bob got %d messages, want 2", len(got))
	}
	if string(got[0].Plaintext) != "hello bob" || got[0].Own {
		t.Fatalf("bob message 0 = %q own=%v", got[0].Plaintext, got[0].Own)
	}
	if string(got[1].Plaintext) != "hello alice" || !got[1].Own {
		t.Fatalf("bob message 1 = %q own=%v, want own send-cache hit", got[1].Plaintext, got[1].Own)
	}

	// Alice's copy of her own message must come from the send cache too.
	got, err = alice.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("alice sync: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice got %d messages, want 2", len(got))
	}
	if !got[0].Own || string(got[0].Plaintext) != "hello bob" {
		t.Fatalf("alice message 0 = %q own=%v", got[0].Plaintext, got[0].Own)
	}
}

func TestDuplicateWelcomeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}
	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}

	welcomeBytes, err := server.GetWelcome(ctx, convoID, bob.Identity())
	if err != nil {
		t.Fatalf("GetWelcome: %v", err)
	}
	first, err := bob.ProcessWelcome(ctx, welcomeBytes)
	if err != nil {
		t.Fatalf("first ProcessWelcome: %v", err)
	}
	second, err := bob.ProcessWelcome(ctx, welcomeBytes)
	if err != nil {
		t.Fatalf("redelivered ProcessWelcome: %v", err)
	}
	if first != second || first != convoID {
		t.Fatalf("welcome results diverge: %q vs %q", first, second)
	}
}

func TestWelcomeWithoutBundleRequiresRejoin(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}
	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}

	welcomeBytes, err := server.GetWelcome(ctx, convoID, bob.Identity())
	if err != nil {
		t.Fatalf("GetWelcome: %v", err)
	}

	// A different device of the same identity never had the private
	// bundle the Welcome references.
	stranger := newTestClient(t, server, "did:example:bob")
	_, err = stranger.ProcessWelcome(ctx, welcomeBytes)
	if !errors.Is(err, ErrRejoinRequired) {
		t.Fatalf("err = %v, want ErrRejoinRequired", err)
	}
	var desync *mls.KeyPackageDesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("err = %v, want KeyPackageDesyncError detail", err)
	}
	if desync.ConversationID != convoID {
		t.Fatalf("desync conversation = %q, want %q", desync.ConversationID, convoID)
	}
}

func TestReinstallRecoveryRejoinsConversation(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bobKS := keystore.NewMemory()

	bob, err := New(Options{
		Identity:            "did:example:bob",
		DataDir:             t.TempDir(),
		Transport:           server,
		Keystore:            bobKS,
		EpochPollInterval:   10 * time.Millisecond,
		EpochPollTimeout:    2 * time.Second,
		WelcomePollInterval: 10 * time.Millisecond,
		WelcomePollTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New bob: %v", err)
	}
	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}

	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if _, err := bob.FetchWelcome(ctx, convoID); err != nil {
		t.Fatalf("FetchWelcome: %v", err)
	}
	bob.Close()

	// Reinstall: the keystore survives, the database directory does not.
	bob2, err := New(Options{
		Identity:            "did:example:bob",
		DataDir:             t.TempDir(),
		Transport:           server,
		Keystore:            bobKS,
		EpochPollInterval:   10 * time.Millisecond,
		EpochPollTimeout:    2 * time.Second,
		WelcomePollInterval: 10 * time.Millisecond,
		WelcomePollTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New bob2: %v", err)
	}
	defer bob2.Close()

	needed, err := bob2.recovery.NeedsRecovery(ctx)
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if !needed {
		t.Fatal("reinstall not detected")
	}

	var rejoinEvents []RejoinEvent
	bob2.Events().OnRejoin(func(ev RejoinEvent) { rejoinEvents = append(rejoinEvents, ev) })

	recoverDone := make(chan error, 1)
	var recovered []string
	go func() {
		var rerr error
		recovered, rerr = bob2.DetectAndRecover(ctx)
		recoverDone <- rerr
	}()

	// Alice services the rejoin once it shows up.
	deadline := time.After(2 * time.Second)
	for {
		n, err := alice.ServiceRejoinRequests(ctx, convoID)
		if err != nil {
			t.Fatalf("ServiceRejoinRequests: %v", err)
		}
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no rejoin request reached the server")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := <-recoverDone; err != nil {
		t.Fatalf("DetectAndRecover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != convoID {
		t.Fatalf("recovered = %v, want [%s]", recovered, convoID)
	}
	if len(rejoinEvents) != 1 || rejoinEvents[0].ConvoID != convoID {
		t.Fatalf("rejoin events = %v", rejoinEvents)
	}
	if bob2.ConversationState(convoID) != StateActive {
		t.Fatalf("state after recovery = %q, want active", bob2.ConversationState(convoID))
	}

	// The recovered device exchanges messages normally.
	if _, err := bob2.SendMessage(ctx, convoID, []byte("back again")); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	msgs, err := alice.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("alice sync: %v", err)
	}
	found := false
	for _, m := range msgs {
		if string(m.Plaintext) == "back again" {
			found = true
		}
	}
	if !found {
		t.Fatal("alice did not decrypt the recovered device's message")
	}
}

func TestAddMembersRejectsDuplicateKeyPackages(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bundle, err := bob.keys.CreateKeyPackage(ctx)
	if err != nil {
		t.Fatalf("CreateKeyPackage: %v", err)
	}
	kps := []mls.KeyPackage{bundle.KeyPackage, bundle.KeyPackage}

	err = alice.coordinator.AddMembers(ctx, convoID, kps)
	var dup *mls.DuplicateKeyPackageError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateKeyPackageError", err)
	}
	if dup.Index != 1 {
		t.Fatalf("duplicate index = %d, want 1", dup.Index)
	}

	// Rejection happened before staging; the group is untouched.
	var epoch mls.Epoch
	err = alice.mctx.WithGroup(ctx, []byte(convoID), func(gs mls.GroupState) error {
		epoch = gs.Epoch()
		if gs.HasPendingCommit() {
			t.Error("pending commit left behind after rejected add")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithGroup: %v", err)
	}
	if epoch != 0 {
		t.Fatalf("epoch = %d, want 0", epoch)
	}

	serverEpoch, err := server.GetConversationEpoch(ctx, convoID)
	if err != nil {
		t.Fatalf("GetConversationEpoch: %v", err)
	}
	if serverEpoch != 0 {
		t.Fatalf("server epoch = %d, want 0", serverEpoch)
	}
}

func TestRemoveMembersCutsOffRemovedDevice(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}
	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if _, err := bob.FetchWelcome(ctx, convoID); err != nil {
		t.Fatalf("FetchWelcome: %v", err)
	}

	if err := alice.RemoveMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("RemoveMembers: %v", err)
	}

	// Bob's epoch is now stale; the server refuses his sends.
	_, err = bob.SendMessage(ctx, convoID, []byte("still here?"))
	if !errors.Is(err, transport.ErrEpochRejected) {
		t.Fatalf("removed member send: err = %v, want ErrEpochRejected", err)
	}

	// Messages alice sends at the new epoch are opaque to bob.
	if _, err := alice.SendMessage(ctx, convoID, []byte("bob is gone")); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	msgs, err := bob.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("bob sync: %v", err)
	}
	for _, m := range msgs {
		if string(m.Plaintext) == "bob is gone" {
			t.Fatal("removed member decrypted a post-removal message")
		}
	}
}

func TestCommitInFlightRejected(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()
	alice := newTestClient(t, server, "did:example:alice")

	convoID, err := alice.CreateGroup(ctx, nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := alice.coordinator.acquire(convoID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer alice.coordinator.release(convoID)

	bob := newTestClient(t, server, "did:example:bob")
	bundle, err := bob.keys.CreateKeyPackage(ctx)
	if err != nil {
		t.Fatalf("CreateKeyPackage: %v", err)
	}

	err = alice.coordinator.AddMembers(ctx, convoID, []mls.KeyPackage{bundle.KeyPackage})
	if !errors.Is(err, mls.ErrCommitInFlight) {
		t.Fatalf("err = %v, want ErrCommitInFlight", err)
	}
}

func TestConversationStateEventsFire(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	var transitions []ConversationStateEvent
	alice.Events().OnConversationState(func(ev ConversationStateEvent) {
		transitions = append(transitions, ev)
	})

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}
	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}

	// create -> active, then commit -> initializing -> active.
	if len(transitions) < 3 {
		t.Fatalf("got %d transitions, want at least 3: %v", len(transitions), transitions)
	}
	if transitions[0].To != StateActive {
		t.Fatalf("first transition to %q, want active", transitions[0].To)
	}
	last := transitions[len(transitions)-1]
	if last.To != StateActive || last.From != StateInitializing {
		t.Fatalf("last transition %q -> %q, want initializing -> active", last.From, last.To)
	}
}

func TestClientRestartReloadsState(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()
	dir := t.TempDir()
	ks := keystore.NewMemory()

	open := func() *Client {
		c, err := New(Options{
			Identity:          "did:example:alice",
			DataDir:           dir,
			Transport:         server,
			Keystore:          ks,
			EpochPollInterval: 10 * time.Millisecond,
			EpochPollTimeout:  2 * time.Second,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	}

	alice := open()
	convoID, err := alice.CreateGroup(ctx, nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	identity := alice.Identity()
	alice.Close()

	alice2 := open()
	defer alice2.Close()

	// Same directory, same seed: the device suffix and identity persist.
	if alice2.Identity() != identity {
		t.Fatalf("identity changed across restart: %q vs %q", alice2.Identity(), identity)
	}
	if alice2.ConversationState(convoID) != StateActive {
		t.Fatalf("state after restart = %q, want active", alice2.ConversationState(convoID))
	}
	if _, err := alice2.SendMessage(ctx, convoID, []byte("still me")); err != nil {
		t.Fatalf("send after restart: %v", err)
	}
}

func TestSendCacheRoundTrip(t *testing.T) {
	sc, err := newSendCache()
	if err != nil {
		t.Fatal(err)
	}
	groupID := []byte("convo-1")
	wire := []byte("ciphertext bytes")

	if _, ok := sc.Get(groupID, wire); ok {
		t.Fatal("empty cache reported a hit")
	}
	if err := sc.Put(groupID, wire, []byte("plain")); err != nil {
		t.Fatal(err)
	}
	pt, ok := sc.Get(groupID, wire)
	if !ok || string(pt) != "plain" {
		t.Fatalf("got %q ok=%v", pt, ok)
	}
	// Same wire bytes under another group must miss.
	if _, ok := sc.Get([]byte("convo-2"), wire); ok {
		t.Fatal("cross-group cache hit")
	}
}

func TestSeenCacheRecordsOnlyExplicitly(t *testing.T) {
	seen, err := newSeenCache()
	if err != nil {
		t.Fatal(err)
	}
	groupID := []byte("convo-1")
	wire := []byte("payload")

	// Lookups never record; an unprocessed payload stays eligible.
	for i := 0; i < 2; i++ {
		dup, err := seen.Contains(groupID, wire)
		if err != nil || dup {
			t.Fatalf("lookup %d: dup=%v err=%v", i, dup, err)
		}
	}
	if err := seen.Record(groupID, wire); err != nil {
		t.Fatal(err)
	}
	dup, err := seen.Contains(groupID, wire)
	if err != nil || !dup {
		t.Fatalf("after record: dup=%v err=%v", dup, err)
	}
}

func TestLaggingMemberCatchesUpViaRelayedCommits(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")
	carol := newTestClient(t, server, "did:example:carol")

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("bob EnsureKeyPackages: %v", err)
	}
	if err := carol.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("carol EnsureKeyPackages: %v", err)
	}

	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob", "did:example:carol"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if _, err := bob.FetchWelcome(ctx, convoID); err != nil {
		t.Fatalf("bob FetchWelcome: %v", err)
	}

	// Bob stays at epoch 1 while alice commits carol in and sends.
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:carol"}); err != nil {
		t.Fatalf("add carol: %v", err)
	}
	if _, err := alice.SendMessage(ctx, convoID, []byte("welcome carol")); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	// Delivered ahead of the commit: skipped, not consumed.
	got, err := bob.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("bob sync while behind: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("bob decrypted %d messages while one epoch behind, want 0", len(got))
	}

	applied, err := bob.SyncCommits(ctx, convoID)
	if err != nil {
		t.Fatalf("SyncCommits: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied %d commits, want 1", applied)
	}
	err = bob.mctx.WithGroup(ctx, []byte(convoID), func(gs mls.GroupState) error {
		if gs.Epoch() != 2 {
			t.Errorf("bob epoch = %d, want 2", gs.Epoch())
		}
		if len(gs.Members()) != 3 {
			t.Errorf("bob sees %d members, want 3", len(gs.Members()))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithGroup: %v", err)
	}

	// Redelivery after catch-up must decrypt; the skip above must not
	// have poisoned the dedup index.
	got, err = bob.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("bob sync after catch-up: %v", err)
	}
	if len(got) != 1 || string(got[0].Plaintext) != "welcome carol" {
		t.Fatalf("after catch-up got %v, want the epoch-2 message", got)
	}

	// Carol joined from the Welcome at epoch 2 and reads it too.
	if _, err := carol.FetchWelcome(ctx, convoID); err != nil {
		t.Fatalf("carol FetchWelcome: %v", err)
	}
	got, err = carol.SyncMessages(ctx, convoID, 0)
	if err != nil {
		t.Fatalf("carol sync: %v", err)
	}
	if len(got) != 1 || string(got[0].Plaintext) != "welcome carol" {
		t.Fatalf("carol got %v, want the epoch-2 message", got)
	}

	// Bob can speak at the new epoch.
	if _, err := bob.SendMessage(ctx, convoID, []byte("caught up")); err != nil {
		t.Fatalf("bob send after catch-up: %v", err)
	}
}

func TestDesyncTriggersAutomaticRejoin(t *testing.T) {
	ctx := context.Background()
	server := devserver.New()

	alice := newTestClient(t, server, "did:example:alice")
	bob := newTestClient(t, server, "did:example:bob")

	if err := bob.EnsureKeyPackages(ctx); err != nil {
		t.Fatalf("EnsureKeyPackages: %v", err)
	}
	convoID, err := alice.CreateGroup(ctx, []string{"did:example:bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := alice.AddMembers(ctx, convoID, []string{"did:example:bob"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	welcomeBytes, err := server.GetWelcome(ctx, convoID, bob.Identity())
	if err != nil {
		t.Fatalf("GetWelcome: %v", err)
	}

	// Another device of the same identity lacks the private bundle; the
	// failed join must kick off a rejoin on its own.
	stranger := newTestClient(t, server, "did:example:bob")
	if _, err := stranger.ProcessWelcome(ctx, welcomeBytes); !errors.Is(err, ErrRejoinRequired) {
		t.Fatalf("err = %v, want ErrRejoinRequired", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		n, err := alice.ServiceRejoinRequests(ctx, convoID)
		if err != nil {
			t.Fatalf("ServiceRejoinRequests: %v", err)
		}
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("desync did not produce a rejoin request")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for stranger.ConversationState(convoID) != StateActive {
		select {
		case <-deadline:
			t.Fatalf("stranger state = %q, want active after serviced rejoin",
				stranger.ConversationState(convoID))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := stranger.SendMessage(ctx, convoID, []byte("second device")); err != nil {
		t.Fatalf("send after automatic rejoin: %v", err)
	}
}
