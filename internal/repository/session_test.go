package repository

import (
	"context"
	"testing"
)

// TestSignOut_ClearsEverySessionCache はサインアウトで全キャッシュと全購読が消えることを検証する。
func TestSignOut_ClearsEverySessionCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, _, bob := startConversation(t, env)
	if _, err := env.users.GetUser(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := env.users.SendFriendRequest(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := env.notes.CreateNote(ctx, "", "note", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.notes.CreateNotelist(ctx, "list"); err != nil {
		t.Fatal(err)
	}
	self := env.authRepo.CurrentUserID()
	if err := env.notifications.Notify(ctx, self, "hello", "world"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.messages.LoadMessages(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.messages.SendMessage(ctx, conv.ID, "hi"); err != nil {
		t.Fatal(err)
	}
	if env.store.ListenerCount() == 0 {
		t.Fatal("expected active listeners before sign-out")
	}

	env.signOut(t)

	if env.authRepo.Profile() != nil {
		t.Error("profile not cleared")
	}
	if env.users.CachedUsers() != 0 || len(env.users.Friendships()) != 0 {
		t.Error("user cache not cleared")
	}
	if len(env.notes.Notes()) != 0 || len(env.notes.Notelists()) != 0 {
		t.Error("note cache not cleared")
	}
	if len(env.notifications.Notifications()) != 0 {
		t.Error("notification cache not cleared")
	}
	if len(env.messages.Conversations()) != 0 || env.messages.Messages(conv.ID) != nil {
		t.Error("message cache not cleared")
	}
	if got := env.store.ListenerCount(); got != 0 {
		t.Errorf("store listeners after sign-out = %d, want 0", got)
	}
	if got := env.authRepo.ActiveSubscriptions() + env.messages.ActiveSubscriptions(); got != 0 {
		t.Errorf("active subscriptions = %d, want 0", got)
	}
}

// TestSignIn_AsAnotherUserClearsPreviousSession はサインアウトせずに別ユーザーでサインインした場合に、
// 前のユーザーのキャッシュと購読が残らないことを検証する。
func TestSignIn_AsAnotherUserClearsPreviousSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, alice, bob := startConversation(t, env)
	if err := env.notifications.Notify(ctx, alice, "for alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.notifications.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.notes.CreateNote(ctx, "", "alice note", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.users.GetUser(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := env.users.SendFriendRequest(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := env.messages.LoadMessages(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}

	env.login(t, "bob@example.com")

	if got := env.authRepo.CurrentUserID(); got != bob {
		t.Fatalf("CurrentUserID = %q, want bob", got)
	}
	if p := env.authRepo.Profile(); p == nil || p.ID != bob {
		t.Fatalf("cached profile = %+v, want bob", p)
	}
	if len(env.notifications.Notifications()) != 0 {
		t.Errorf("previous user's notifications survived: %+v", env.notifications.Notifications())
	}
	if len(env.notes.Notes()) != 0 {
		t.Error("previous user's notes survived")
	}
	if env.users.CachedUsers() != 0 || len(env.users.Friendships()) != 0 {
		t.Error("previous user's social graph survived")
	}
	if len(env.messages.Conversations()) != 0 || env.messages.Messages(conv.ID) != nil {
		t.Error("previous user's conversations survived")
	}
	if got := env.messages.ActiveSubscriptions(); got != 0 {
		t.Errorf("message subscriptions = %d, want 0", got)
	}
	if got := env.store.ListenerCount(); got != 1 {
		t.Errorf("store listeners = %d, want only the new profile listener", got)
	}

	doc, err := env.store.Get(ctx, "users", alice)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Data["online"] != false {
		t.Errorf("previous user online = %v, want false", doc.Data["online"])
	}
}

// TestSignIn_SameUserKeepsCaches は同じユーザーで再ログインしてもキャッシュを消去しないことを検証する。
func TestSignIn_SameUserKeepsCaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.signUp(t, "a@b.com", "Alice")
	if _, err := env.notes.CreateNote(ctx, "", "kept", ""); err != nil {
		t.Fatal(err)
	}

	env.login(t, "a@b.com")

	if got := len(env.notes.Notes()); got != 1 {
		t.Errorf("notes after re-login = %d, want 1", got)
	}
	if got := env.authRepo.ActiveSubscriptions(); got != 1 {
		t.Errorf("ActiveSubscriptions = %d, want 1", got)
	}
}

// TestSignIn_FederatedAfterPasswordUserClearsPreviousSession はフェデレーションログインによる切り替えでも
// 前のユーザーのキャッシュが消去されることを検証する。
func TestSignIn_FederatedAfterPasswordUserClearsPreviousSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.signUp(t, "a@b.com", "Alice")
	if _, err := env.notes.CreateNote(ctx, "", "alice note", ""); err != nil {
		t.Fatal(err)
	}

	p, err := env.authRepo.LoginWithFederatedToken(ctx, "google-token")
	if err != nil {
		t.Fatalf("LoginWithFederatedToken returned error: %v", err)
	}
	if p.Email != "fed@example.com" {
		t.Fatalf("profile = %+v", p)
	}
	if len(env.notes.Notes()) != 0 {
		t.Error("previous user's notes survived federated sign-in")
	}
}
