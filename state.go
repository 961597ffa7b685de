package safespace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/statestore"
)

// persistedState is the structured snapshot stored for a persistent
// sandbox. The .env file mirrors this for humans; restoration reads the
// store, never the mirror.
type persistedState struct {
	EnvVars          map[string]string `json:"env_vars"`
	NetworkEnabled   bool              `json:"network_enabled"`
	VMEnabled        bool              `json:"vm_enabled"`
	ContainerEnabled bool              `json:"container_enabled"`
	TestingEnabled   bool              `json:"testing_enabled"`
}

type persistedMetadata struct {
	Mode      Mode   `json:"mode"`
	CreatedAt string `json:"created_at"`
	LastSaved string `json:"last_saved"`
}

// ensureStore opens the default state store lazily.
func (s *Sandbox) ensureStore() (*statestore.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	path, err := statestore.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrStateStore, err)
	}
	store, err := statestore.Open(path)
	if err != nil {
		return nil, err
	}
	s.store = store
	return store, nil
}

// SaveState records the sandbox in the state store. Only meaningful for
// persistent sandboxes.
func (s *Sandbox) SaveState(ctx context.Context) error {
	if s.Mode != ModePersistent {
		return fmt.Errorf("%w: sandbox is not persistent", errdefs.ErrPrecondition)
	}
	store, err := s.ensureStore()
	if err != nil {
		return err
	}

	state := persistedState{
		EnvVars:          s.Env(),
		NetworkEnabled:   s.networkEnabled,
		VMEnabled:        s.vmEnabled,
		ContainerEnabled: s.containerEnabled,
		TestingEnabled:   s.testingEnabled,
	}
	meta := persistedMetadata{
		Mode:      s.Mode,
		CreatedAt: s.CreatedAt,
		LastSaved: s.now().UTC().Format(time.RFC3339),
	}

	if err := store.Save(ctx, s.ID, s.Name, s.RootDir, state, meta); err != nil {
		return err
	}
	slog.InfoContext(ctx, "sandbox: state saved", "id", s.ID, "name", s.Name)
	return nil
}

// LoadRef selects a saved sandbox by ID or name.
type LoadRef struct {
	ID   string
	Name string
}

// LoadFromState rebuilds a sandbox from its saved record. The root
// directory must still exist.
func LoadFromState(ctx context.Context, store *statestore.Store, ref LoadRef) (*Sandbox, error) {
	if ref.ID == "" && ref.Name == "" {
		return nil, fmt.Errorf("%w: either an id or a name is required", errdefs.ErrPrecondition)
	}
	if store == nil {
		path, err := statestore.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrStateStore, err)
		}
		if store, err = statestore.Open(path); err != nil {
			return nil, err
		}
	}

	var rec *statestore.Record
	var err error
	if ref.ID != "" {
		rec, err = store.Get(ctx, ref.ID)
	} else {
		rec, err = store.GetByName(ctx, ref.Name)
	}
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(rec.RootDir); err != nil {
		return nil, fmt.Errorf("%w: environment directory %s does not exist", errdefs.ErrNotFound, rec.RootDir)
	}

	var state persistedState
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return nil, fmt.Errorf("%w: decode state for %s: %v", errdefs.ErrStateStore, rec.ID, err)
	}
	var meta persistedMetadata
	if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata for %s: %v", errdefs.ErrStateStore, rec.ID, err)
	}

	s := New(Options{
		ID:         rec.ID,
		Name:       rec.Name,
		RootDir:    rec.RootDir,
		Mode:       ModePersistent,
		StateStore: store,
	})
	s.CreatedAt = meta.CreatedAt
	if state.EnvVars != nil {
		s.envVars = state.EnvVars
	}
	s.networkEnabled = state.NetworkEnabled
	s.vmEnabled = state.VMEnabled
	s.containerEnabled = state.ContainerEnabled
	s.testingEnabled = state.TestingEnabled

	slog.InfoContext(ctx, "sandbox: loaded from saved state", "id", s.ID, "name", s.Name)
	return s, nil
}

// ListSavedEnvironments returns the saved sandboxes, most recently
// accessed first.
func ListSavedEnvironments(ctx context.Context, store *statestore.Store) ([]statestore.Summary, error) {
	if store == nil {
		path, err := statestore.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrStateStore, err)
		}
		if store, err = statestore.Open(path); err != nil {
			return nil, err
		}
	}
	return store.List(ctx)
}

// PurgeSavedEnvironments removes records not accessed in the given
// number of days, returning the count purged.
func PurgeSavedEnvironments(ctx context.Context, store *statestore.Store, days int) (int, error) {
	if store == nil {
		path, err := statestore.DefaultPath()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errdefs.ErrStateStore, err)
		}
		if store, err = statestore.Open(path); err != nil {
			return 0, err
		}
	}
	return store.PurgeOld(ctx, days)
}

// DeleteSavedState removes this sandbox's record from the state store.
// The directory itself is untouched.
func (s *Sandbox) DeleteSavedState(ctx context.Context) (bool, error) {
	if s.Mode != ModePersistent {
		return false, fmt.Errorf("%w: sandbox is not persistent", errdefs.ErrPrecondition)
	}
	store, err := s.ensureStore()
	if err != nil {
		return false, err
	}
	return store.Delete(ctx, s.ID)
}
