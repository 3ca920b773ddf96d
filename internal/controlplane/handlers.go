package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hybridfs/hybridfs/internal/sync"
	"github.com/hybridfs/hybridfs/pkg/health"
	"github.com/hybridfs/hybridfs/pkg/types"
)

// buildVersion is the version string reported by version_info. It is a
// constant, so it cannot be overridden at link time via -ldflags -X.
const buildVersion = "0.4.0"

// minCompatibleVersion is the oldest companion-process protocol version
// this control plane still answers requests for.
const minCompatibleVersion = "0.1.0"

func (s *Server) handleVersionInfo(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"version":   buildVersion,
		"service":   "hybridfs control plane",
		"pairCount": len(s.svc.Pairs()),
	})
}

func (s *Server) handleCheckCompatibility(w http.ResponseWriter, r *http.Request) {
	client := r.URL.Query().Get("version")
	s.respondJSON(w, http.StatusOK, map[string]any{
		"compatible":    client >= minCompatibleVersion,
		"serverVersion": buildVersion,
		"minVersion":    minCompatibleVersion,
	})
}

// pairState summarizes one PairRuntime for get_full_state/pair listing
// responses, keeping internal handles (Index, Locks, ...) out of the
// wire format.
type pairState struct {
	Pair       types.SyncPair          `json:"pair"`
	Disk       types.Disk              `json:"disk"`
	SyncState  sync.State              `json:"syncState"`
	Mounted    bool                    `json:"mounted"`
	MountPoint string                  `json:"mountPoint"`
	Health     *health.ComponentHealth `json:"health,omitempty"`
}

func (s *Server) handleGetFullState(w http.ResponseWriter, r *http.Request) {
	pairs := s.svc.Pairs()
	tracker := s.svc.Health()
	out := make([]pairState, 0, len(pairs))
	for _, rt := range pairs {
		ps := pairState{
			Pair:       rt.Pair,
			Disk:       rt.Disk,
			SyncState:  rt.Scheduler.State(rt.Pair.ID),
			Mounted:    rt.Mount.IsMounted(),
			MountPoint: rt.Mount.MountPoint(),
		}
		if h, err := tracker.GetComponentHealth("sync:" + rt.Pair.ID); err == nil {
			ps.Health = h
		}
		out = append(out, ps)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"pairs":         out,
		"config":        s.svc.Config(),
		"overallHealth": tracker.GetOverallHealth().String(),
		"timestamp":     time.Now(),
	})
}

func (s *Server) handleConfigGetAll(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.Config())
}

// handleConfigUpdate applies config field updates via the Configuration's
// own JSON tags, then re-validates before accepting them, so an invalid
// update never takes effect. Live components are not reconfigured by
// this call; SPEC_FULL.md §4.11 only requires on_config_updated to fire
// with the new values, not in-place propagation to running routers.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	cfg := s.svc.Config()
	updated := *cfg
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid config body: %v", err))
		return
	}
	if err := updated.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
		return
	}
	*cfg = updated

	s.svc.Activity().Record(types.ActivityRecord{
		Kind:      types.ActivityConfigUpdated,
		Title:     "configuration updated",
		Timestamp: time.Now(),
	})
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDiskConnected(w http.ResponseWriter, r *http.Request) {
	var disk types.Disk
	if err := json.NewDecoder(r.Body).Decode(&disk); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid disk body: %v", err))
		return
	}
	s.svc.Activity().Record(types.ActivityRecord{
		Kind: types.ActivityDiskConnected, Title: fmt.Sprintf("disk %s connected", disk.ID),
		DiskID: disk.ID, Timestamp: time.Now(),
	})
	s.respondJSON(w, http.StatusAccepted, disk)
}

func (s *Server) handleDiskDisconnected(w http.ResponseWriter, r *http.Request) {
	diskID := mux.Vars(r)["diskID"]
	s.svc.Activity().Record(types.ActivityRecord{
		Kind: types.ActivityDiskDisconnected, Title: fmt.Sprintf("disk %s disconnected", diskID),
		DiskID: diskID, Timestamp: time.Now(),
	})
	s.respondJSON(w, http.StatusOK, map[string]string{"diskID": diskID})
}

type addPairRequest struct {
	Pair types.SyncPair `json:"pair"`
	Disk types.Disk     `json:"disk"`
}

func (s *Server) handlePairAdd(w http.ResponseWriter, r *http.Request) {
	var req addPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid pair body: %v", err))
		return
	}
	rt, err := s.svc.AddPair(req.Pair, req.Disk)
	if err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, rt.Pair)
}

// handlePairRemove unmounts the pair if mounted. The pair stays in the
// service's registry. The underlying cache directory is left in place;
// removing it is a separate, explicit privileged operation.
func (s *Server) handlePairRemove(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	if rt.Mount.IsMounted() {
		if err := rt.Mount.Unmount(); err != nil {
			s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to unmount: %v", err))
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"pairID": rt.Pair.ID})
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	if err := rt.Mount.Mount(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("mount failed: %v", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"mountPoint": rt.Mount.MountPoint()})
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	if err := rt.Mount.Unmount(); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("unmount failed: %v", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"pairID": rt.Pair.ID})
}

func (s *Server) handleUnmountAll(w http.ResponseWriter, r *http.Request) {
	var failed []string
	for _, rt := range s.svc.Pairs() {
		if !rt.Mount.IsMounted() {
			continue
		}
		if err := rt.Mount.Unmount(); err != nil {
			failed = append(failed, rt.Pair.ID)
		}
	}
	if len(failed) > 0 {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to unmount: %v", failed))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "unmounted"})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	if err := rt.Scheduler.RunOnce(r.Context(), rt.Pair, rt.Disk.MountPath); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("sync failed: %v", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"pairID": rt.Pair.ID, "state": string(rt.Scheduler.State(rt.Pair.ID))})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	var failed []string
	for _, rt := range s.svc.Pairs() {
		if err := rt.Scheduler.RunOnce(r.Context(), rt.Pair, rt.Disk.MountPath); err != nil {
			failed = append(failed, rt.Pair.ID)
		}
	}
	if len(failed) > 0 {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("sync failed for: %v", failed))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type syncFileRequest struct {
	VirtualPath string `json:"virtualPath"`
}

// handleSyncFile marks a single file dirty and lets the next scheduler
// pass pick it up, rather than synchronously reconciling just that path
// -- NotifyDirty is the same hook FUSE writes already use.
func (s *Server) handleSyncFile(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	var req syncFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	rt.Scheduler.NotifyDirty(rt.Pair.ID, req.VirtualPath)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"virtualPath": req.VirtualPath})
}

func (s *Server) handleSyncPause(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	rt.Scheduler.Pause(rt.Pair.ID)
	s.respondJSON(w, http.StatusOK, map[string]string{"state": string(rt.Scheduler.State(rt.Pair.ID))})
}

func (s *Server) handleSyncResume(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	rt.Scheduler.Resume(rt.Pair.ID)
	s.respondJSON(w, http.StatusOK, map[string]string{"state": string(rt.Scheduler.State(rt.Pair.ID))})
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	rt.Scheduler.Cancel(rt.Pair.ID)
	s.respondJSON(w, http.StatusOK, map[string]string{"state": string(rt.Scheduler.State(rt.Pair.ID))})
}

func (s *Server) handleSyncGetStatus(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"pairID": rt.Pair.ID, "state": string(rt.Scheduler.State(rt.Pair.ID))})
}

func (s *Server) handleSyncGetAllStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string)
	for _, rt := range s.svc.Pairs() {
		out[rt.Pair.ID] = string(rt.Scheduler.State(rt.Pair.ID))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncGetProgress(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	op, ok := rt.Scheduler.Progress(rt.Pair.ID)
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]any{"pairID": rt.Pair.ID, "active": false})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"pairID": rt.Pair.ID, "active": true, "operation": op})
}

func (s *Server) handleSyncGetHistory(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	limit := parseLimit(r, 100)
	records := filterByPair(s.svc.Activity().History(limit), rt.Pair.ID)
	s.respondJSON(w, http.StatusOK, records)
}

func filterByPair(records []types.ActivityRecord, pairID string) []types.ActivityRecord {
	out := make([]types.ActivityRecord, 0, len(records))
	for _, rec := range records {
		if rec.SyncPairID == "" || rec.SyncPairID == pairID {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	result, err := rt.Eviction.EvictNow(r.Context(), rt.Pair, rt.Pair.LocalDir(), rt.Disk.MountPath)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("eviction failed: %v", err))
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type evictFileRequest struct {
	VirtualPath string `json:"virtualPath"`
}

// handleEvictFile drops the LOCAL copy of a single file, the scoped
// counterpart to handleEvict's whole-pair reclaim pass.
func (s *Server) handleEvictFile(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	var req evictFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := rt.Eviction.EvictFile(r.Context(), rt.Pair, rt.Disk.MountPath, req.VirtualPath); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("evict_file failed: %v", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"virtualPath": req.VirtualPath})
}

type prefetchRequest struct {
	VirtualPath string `json:"virtualPath"`
}

// handlePrefetchFile pulls a single EXTERNAL-only file into LOCAL ahead
// of time, reusing the pull-on-demand ReadRouter a normal FUSE read
// would otherwise trigger lazily.
func (s *Server) handlePrefetchFile(w http.ResponseWriter, r *http.Request) {
	rt, ok := pairFromRequest(r, s.svc)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown sync pair")
		return
	}
	var req prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	localAbs, err := rt.PullRouter.Resolve(rt.Pair, rt.Disk.MountPath, req.VirtualPath)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("prefetch failed: %v", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"localPath": localAbs})
}

// handleEvents streams activity records as Server-Sent Events, replaying
// recent history first so a newly-connected client does not miss
// anything recorded just before it subscribed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan types.ActivityRecord, 64)
	unsubscribe := s.svc.Activity().Subscribe(func(a types.ActivityRecord) {
		select {
		case ch <- a:
		default:
		}
	})
	defer unsubscribe()

	for _, rec := range s.svc.Activity().History(50) {
		writeSSE(w, rec)
	}
	flusher.Flush()

	ctx := r.Context()
	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-ch:
			writeSSE(w, rec)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, rec types.ActivityRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: on_activities_updated\ndata: %s\n\n", payload)
}

