// Package content keeps the local media cache and active playlist in
// step with the server's assignment. The active playlist pointer only
// moves once every item of the new assignment is downloaded and
// verified; a partial download never degrades what is currently playing.
package content

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/digiplayer/agent/internal/audit"
	"github.com/digiplayer/agent/internal/health"
	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/pkg/api"
)

var log = logging.L("content")

// Reconciler applies content assignments delivered in heartbeat
// responses. Safe for use from the control loop plus the refresh
// command; reconciliations are serialized.
type Reconciler struct {
	st            *store.Store
	dl            *Downloader
	maxConcurrent int
	healthMon     *health.Monitor
	auditLog      *audit.Logger

	mu sync.Mutex

	// lastWanted remembers the newest assignment seen, so a refresh
	// command can retry a partially failed download without waiting for
	// the next heartbeat to repeat it.
	wantedMu   sync.Mutex
	lastWanted *api.ContentAssignment
}

func NewReconciler(st *store.Store, dl *Downloader, maxConcurrent int, healthMon *health.Monitor, auditLog *audit.Logger) *Reconciler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Reconciler{
		st:            st,
		dl:            dl,
		maxConcurrent: maxConcurrent,
		healthMon:     healthMon,
		auditLog:      auditLog,
	}
}

// Reconcile brings the local state up to the given assignment. Items
// already present and verified are not re-downloaded; only missing or
// failed items are fetched. Returns without error when the assignment is
// already active.
func (r *Reconciler) Reconcile(ctx context.Context, assignment *api.ContentAssignment) error {
	if assignment == nil {
		return nil
	}

	r.wantedMu.Lock()
	r.lastWanted = assignment
	r.wantedMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	active, err := r.st.ActiveAssignment()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// The version check alone is not enough: a refresh must be able to
	// restore a file that vanished from disk under the active playlist.
	missing := r.missingItems(assignment)
	if active != nil && active.PlaylistVersion == assignment.PlaylistVersion && len(missing) == 0 {
		return nil
	}
	if len(missing) > 0 {
		log.Info("reconciling assignment",
			"playlistVersion", assignment.PlaylistVersion,
			"items", len(assignment.Items),
			"toDownload", len(missing))

		if err := r.download(ctx, missing); err != nil {
			if r.healthMon != nil {
				r.healthMon.Update("content", health.Degraded, "assignment download incomplete")
			}
			return err
		}
	}

	// Every item verified; the swap is a single pointer write.
	if err := r.st.SetActiveAssignment(assignment); err != nil {
		return err
	}
	if r.healthMon != nil {
		r.healthMon.Update("content", health.Healthy, "")
	}
	r.auditLog.Log(audit.EventPlaylistActivated, "", map[string]any{
		"playlistVersion": assignment.PlaylistVersion,
		"items":           len(assignment.Items),
	})
	log.Info("assignment activated", "playlistVersion", assignment.PlaylistVersion)

	r.gc(assignment)
	return nil
}

// Refresh re-runs reconciliation against the newest assignment seen.
// Used by the refresh command for an immediate retry of failed items.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.wantedMu.Lock()
	wanted := r.lastWanted
	r.wantedMu.Unlock()

	if wanted == nil {
		var err error
		wanted, err = r.st.ActiveAssignment()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return r.Reconcile(ctx, wanted)
}

// CurrentVersion returns the active playlist version for heartbeat
// reporting, or empty when nothing has been activated yet.
func (r *Reconciler) CurrentVersion() string {
	active, err := r.st.ActiveAssignment()
	if err != nil {
		return ""
	}
	return active.PlaylistVersion
}

// missingItems filters the assignment down to items that are not yet
// verified on disk. An indexed entry whose file vanished counts as
// missing.
func (r *Reconciler) missingItems(assignment *api.ContentAssignment) []api.MediaItem {
	var missing []api.MediaItem
	for _, item := range assignment.Items {
		entry, err := r.st.MediaEntry(strings.ToLower(item.Checksum))
		if err == nil {
			if _, statErr := os.Stat(entry.Path); statErr == nil {
				continue
			}
		}
		missing = append(missing, item)
	}
	return missing
}

// download fetches items concurrently, bounded by maxConcurrent. Items
// are immutable and content-addressed, so tasks need no coordination
// beyond the final barrier. One item's failure does not cancel the
// others; everything that verifies is kept, so the next attempt fetches
// only what is still missing.
func (r *Reconciler) download(ctx context.Context, items []api.MediaItem) error {
	var g errgroup.Group
	g.SetLimit(r.maxConcurrent)

	for _, item := range items {
		item := item
		g.Go(func() error {
			entry, err := r.dl.Fetch(ctx, item)
			if err != nil {
				log.Warn("media download failed", "ref", item.Ref, logging.KeyError, err)
				return err
			}
			return r.st.PutMediaEntry(entry)
		})
	}
	return g.Wait()
}

// gc removes cached media the newly activated assignment no longer
// references. Runs after activation, so a failed swap never deletes
// files the still-active playlist needs.
func (r *Reconciler) gc(active *api.ContentAssignment) {
	keep := make(map[string]bool, len(active.Items))
	for _, item := range active.Items {
		keep[strings.ToLower(item.Checksum)] = true
	}

	entries, err := r.st.ListMedia()
	if err != nil {
		log.Warn("media gc listing failed", logging.KeyError, err)
		return
	}

	for _, entry := range entries {
		if keep[entry.Checksum] {
			continue
		}
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			log.Warn("media gc remove failed", "path", entry.Path, logging.KeyError, err)
			continue
		}
		if err := r.st.DeleteMediaEntry(entry.Checksum); err != nil {
			log.Warn("media gc index delete failed", "checksum", entry.Checksum, logging.KeyError, err)
		}
	}
}
