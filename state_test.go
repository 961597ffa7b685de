package safespace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/statestore"
)

func openStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "environments.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveStateRequiresPersistentMode(t *testing.T) {
	s := newEphemeral(t)
	if err := s.SaveState(context.Background()); err == nil {
		t.Fatal("SaveState should fail for ephemeral sandboxes")
	}
}

func TestPersistentReentry(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	s := New(Options{
		RootDir:    filepath.Join(t.TempDir(), "alpha-root"),
		Name:       "alpha",
		Mode:       ModePersistent,
		Runner:     &quietRunner{},
		StateStore: store,
	})
	if err := s.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetupNetworkIsolation(ctx); err != nil {
		t.Fatalf("SetupNetworkIsolation: %v", err)
	}

	if err := s.Cleanup(ctx, false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	// The root survives cleanup in persistent mode.
	if _, err := os.Stat(s.RootDir); err != nil {
		t.Fatal("persistent root should survive cleanup")
	}

	list, err := ListSavedEnvironments(ctx, store)
	if err != nil {
		t.Fatalf("ListSavedEnvironments: %v", err)
	}
	found := false
	for _, sum := range list {
		if sum.Name == "alpha" {
			found = true
		}
	}
	if !found {
		t.Fatalf("saved environments %v missing alpha", list)
	}

	loaded, err := LoadFromState(ctx, store, LoadRef{Name: "alpha"})
	if err != nil {
		t.Fatalf("LoadFromState: %v", err)
	}
	if loaded.ID != s.ID {
		t.Errorf("loaded ID = %q, want %q", loaded.ID, s.ID)
	}
	if !loaded.NetworkEnabled() {
		t.Error("network flag should be restored")
	}
	if !reflect.DeepEqual(loaded.Env(), s.Env()) {
		t.Errorf("env mismatch:\nloaded: %v\nsaved:  %v", loaded.Env(), s.Env())
	}
	if loaded.RootDir != s.RootDir {
		t.Errorf("root = %q, want %q", loaded.RootDir, s.RootDir)
	}
}

func TestLoadFromStateRequiresExistingRoot(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := filepath.Join(t.TempDir(), "gone-root")
	s := New(Options{RootDir: root, Name: "ghost", Mode: ModePersistent, Runner: &quietRunner{}, StateStore: store})
	if err := s.Create(ctx); err != nil {
		t.Fatal(err)
	}
	os.RemoveAll(root)

	if _, err := LoadFromState(ctx, store, LoadRef{Name: "ghost"}); err == nil {
		t.Fatal("LoadFromState should fail when the root is gone")
	}
}

func TestLoadFromStateRequiresRef(t *testing.T) {
	store := openStore(t)
	if _, err := LoadFromState(context.Background(), store, LoadRef{}); err == nil {
		t.Fatal("LoadFromState should require an id or name")
	}
}

func TestDeleteSavedState(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	s := New(Options{
		RootDir:    filepath.Join(t.TempDir(), "root"),
		Name:       "deleteme",
		Mode:       ModePersistent,
		Runner:     &quietRunner{},
		StateStore: store,
	})
	if err := s.Create(ctx); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteSavedState(ctx)
	if err != nil || !deleted {
		t.Fatalf("DeleteSavedState = %v, %v", deleted, err)
	}
	if _, err := LoadFromState(ctx, store, LoadRef{Name: "deleteme"}); err == nil {
		t.Fatal("record should be gone")
	}
	// The directory itself is untouched.
	if _, err := os.Stat(s.RootDir); err != nil {
		t.Error("DeleteSavedState must not remove the directory")
	}
}

func TestSaveStateTwiceAdvancesLastAccessed(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	s := New(Options{
		RootDir:    filepath.Join(t.TempDir(), "root"),
		Name:       "ticker",
		Mode:       ModePersistent,
		Runner:     &quietRunner{},
		StateStore: store,
	})
	if err := s.Create(ctx); err != nil {
		t.Fatal(err)
	}

	first, err := ListSavedEnvironments(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveState(ctx); err != nil {
		t.Fatal(err)
	}
	second, err := ListSavedEnvironments(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].LastAccessed < first[0].LastAccessed {
		t.Errorf("last_accessed went backwards: %s -> %s", first[0].LastAccessed, second[0].LastAccessed)
	}
}

func TestLoadFromStateMissingName(t *testing.T) {
	store := openStore(t)
	_, err := LoadFromState(context.Background(), store, LoadRef{Name: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
