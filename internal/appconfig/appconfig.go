// Package appconfig is the delegator's per-app_id registry: the
// superblock layout, attached client ranks, and per-client shared
// memory regions for every application currently mounted, created on
// that app's first mount and torn down on its last unmount (spec.md
// §3).
//
// Grounded on the map-plus-sync.RWMutex-plus-structured-logging shape
// of the teacher's InMemoryMetadataService.
package appconfig

import (
	"fmt"
	"sync"

	"github.com/unifycr-go/unifycr/internal/config"
	"github.com/unifycr-go/unifycr/internal/logging"
	"github.com/unifycr-go/unifycr/internal/shm"
	"github.com/unifycr-go/unifycr/internal/unifyerr"
)

// AppConfig is the per-app_id state a delegator keeps for as long as
// at least one client rank of that app is mounted.
type AppConfig struct {
	AppID    uint32
	JobID    string
	NumRanks int
	Layout   config.SuperblockLayout
	SpillDir string
	Clients  map[int]*ClientConfig
}

// ClientConfig is the per-client-rank state within an AppConfig: its
// superblock mapping and spill file path.
type ClientConfig struct {
	ClientRank int
	SpillPath  string
	Superblock *shm.Superblock
}

// Registry tracks every mounted AppConfig.
type Registry struct {
	mu   sync.RWMutex
	apps map[uint32]*AppConfig
	log  logging.Logger
}

// New returns an empty app registry.
func New(log logging.Logger) *Registry {
	return &Registry{apps: make(map[uint32]*AppConfig), log: log}
}

// Mount attaches clientRank to appID, creating the AppConfig on first
// mount. superblockDir is where per-client superblock regions are
// mapped (internal/shm.Open); spillDir is where overflow writes spill.
func (r *Registry) Mount(appID uint32, jobID string, numRanks int, clientRank int, layout config.SuperblockLayout, superblockDir, spillDir string) (*ClientConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[appID]
	if !ok {
		app = &AppConfig{
			AppID:    appID,
			JobID:    jobID,
			NumRanks: numRanks,
			Layout:   layout,
			SpillDir: spillDir,
			Clients:  make(map[int]*ClientConfig),
		}
		r.apps[appID] = app
		r.log.Info(logging.LogEvent{Message: "appconfig: app created", Metadata: map[string]any{"app_id": appID, "job_id": jobID}})
	}

	if _, exists := app.Clients[clientRank]; exists {
		return nil, fmt.Errorf("%w: app %d client rank %d already mounted", unifyerr.ErrBadRequest, appID, clientRank)
	}

	key := fmt.Sprintf("%d-%d", appID, clientRank)
	sb, err := shm.Open(superblockDir, key, layout)
	if err != nil {
		return nil, fmt.Errorf("appconfig: mount app %d rank %d: %w", appID, clientRank, err)
	}

	cc := &ClientConfig{
		ClientRank: clientRank,
		SpillPath:  fmt.Sprintf("%s/%s.spill", spillDir, key),
		Superblock: sb,
	}
	app.Clients[clientRank] = cc

	r.log.Info(logging.LogEvent{Message: "appconfig: client mounted", Metadata: map[string]any{"app_id": appID, "client_rank": clientRank}})
	return cc, nil
}

// Unmount detaches clientRank from appID, unmapping its superblock.
// Once the last client rank of an app unmounts, the AppConfig itself is
// removed.
func (r *Registry) Unmount(appID uint32, clientRank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[appID]
	if !ok {
		return fmt.Errorf("%w: app %d not mounted", unifyerr.ErrNotFound, appID)
	}
	cc, ok := app.Clients[clientRank]
	if !ok {
		return fmt.Errorf("%w: app %d client rank %d not mounted", unifyerr.ErrNotFound, appID, clientRank)
	}

	if err := cc.Superblock.Close(); err != nil {
		r.log.Warn(logging.LogEvent{Message: "appconfig: superblock close failed", Metadata: map[string]any{"app_id": appID, "client_rank": clientRank, "error": err.Error()}})
	}
	delete(app.Clients, clientRank)

	if len(app.Clients) == 0 {
		delete(r.apps, appID)
		r.log.Info(logging.LogEvent{Message: "appconfig: app torn down", Metadata: map[string]any{"app_id": appID}})
	}
	return nil
}

// Get returns the AppConfig for appID, or unifyerr.ErrNotFound.
func (r *Registry) Get(appID uint32) (*AppConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	if !ok {
		return nil, fmt.Errorf("%w: app %d not mounted", unifyerr.ErrNotFound, appID)
	}
	return app, nil
}

// Client returns the ClientConfig for (appID, clientRank), or
// unifyerr.ErrNotFound.
func (r *Registry) Client(appID uint32, clientRank int) (*ClientConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	if !ok {
		return nil, fmt.Errorf("%w: app %d not mounted", unifyerr.ErrNotFound, appID)
	}
	cc, ok := app.Clients[clientRank]
	if !ok {
		return nil, fmt.Errorf("%w: app %d client rank %d not mounted", unifyerr.ErrNotFound, appID, clientRank)
	}
	return cc, nil
}

// NumMountedApps returns how many applications currently have at least
// one mounted client.
func (r *Registry) NumMountedApps() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}
