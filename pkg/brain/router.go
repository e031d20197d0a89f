package brain

import (
	"context"
	"fmt"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/memory"
	"github.com/BSVanon/ClawSats-sub000/pkg/metrics"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

// paramAliases maps legacy parameter names per capability, so jobs written
// against older field names keep running.
var paramAliases = map[string]map[string]string{
	"dns_resolve":       {"domain": "hostname"},
	"peer_health_check": {"peer": "endpoint"},
	"fetch_url":         {"endpoint": "url"},
}

// Router pulls jobs from the store and executes them, locally or by hiring a
// peer. One sweep runs sequentially; job state is durable before and after
// each execution.
type Router struct {
	store  *Store
	peers  *peers.Registry
	client *payment.Client
	writer memory.Writer
	events *EventLog
	policy func() types.Policy

	localEndpoint string
}

// NewRouter wires the router. policy is read live at each sweep so `brain
// policy` edits take effect without a restart.
func NewRouter(store *Store, reg *peers.Registry, client *payment.Client, writer memory.Writer, events *EventLog, policy func() types.Policy, localEndpoint string) *Router {
	return &Router{
		store:         store,
		peers:         reg,
		client:        client,
		writer:        writer,
		events:        events,
		policy:        policy,
		localEndpoint: localEndpoint,
	}
}

// GenerateGoals enqueues jobs from policy templates that are due: not
// already active and past their cooldown. Returns how many were created.
func (r *Router) GenerateGoals() int {
	pol := r.policy()
	if !pol.Goals.AutoGenerateJobs {
		return 0
	}

	generated := 0
	for _, tpl := range pol.Goals.Templates {
		if tpl.Enabled != nil && !*tpl.Enabled {
			continue
		}
		if tpl.Capability == "" || tpl.EverySeconds <= 0 {
			continue
		}
		fp, err := fingerprint(tpl.Capability, tpl.Params)
		if err != nil {
			continue
		}
		if r.goalBlocked(fp, time.Duration(tpl.EverySeconds)*time.Second) {
			continue
		}

		strategy := tpl.Strategy
		if strategy == "" {
			strategy = types.StrategyAuto
		}
		maxSats := tpl.MaxSats
		if maxSats == 0 {
			maxSats = pol.Decisions.AutoHireMaxSats
		}
		job, err := r.store.Enqueue(EnqueueInput{
			Capability:     tpl.Capability,
			Params:         tpl.Params,
			Strategy:       strategy,
			MaxSats:        maxSats,
			Priority:       tpl.Priority,
			PersistResult:  tpl.PersistResult,
			MemoryKey:      tpl.MemoryKey,
			MemoryCategory: tpl.MemoryCategory,
		})
		if err != nil {
			log.WithComponent("brain").Warn().Err(err).Str("capability", tpl.Capability).Msg("goal enqueue failed")
			continue
		}
		r.audit(job, "goal-generated", "policy template due", nil)
		r.events.Log("brain", "goal-generated", "", map[string]any{
			"jobId":      job.ID,
			"capability": tpl.Capability,
		})
		generated++
	}
	return generated
}

// goalBlocked reports whether a template fingerprint is already active or
// still cooling down.
func (r *Router) goalBlocked(fp string, cooldown time.Duration) bool {
	var lastDone time.Time
	for _, job := range r.store.List() {
		jobFP, err := fingerprint(job.Capability, job.Params)
		if err != nil || jobFP != fp {
			continue
		}
		switch job.Status {
		case types.JobStatusPending, types.JobStatusRunning, types.JobStatusNeedsApproval:
			return true
		}
		if job.UpdatedAt.After(lastDone) {
			lastDone = job.UpdatedAt
		}
	}
	return !lastDone.IsZero() && time.Since(lastDone) < cooldown
}

// RunOnce executes one sweep bounded by policy.maxJobsPerSweep. When
// allowMemoryWrites is true, jobs waiting for approval get their memory
// written. Returns how many jobs were processed.
func (r *Router) RunOnce(ctx context.Context, allowMemoryWrites bool) int {
	pol := r.policy()
	limit := pol.Decisions.MaxJobsPerSweep
	if limit <= 0 {
		limit = 1
	}

	// Parked jobs only enter the batch when this sweep can approve them,
	// so a queue of needs_approval jobs cannot starve pending work.
	processed := 0
	for _, job := range r.store.NextPending(limit, allowMemoryWrites) {
		if job.Status == types.JobStatusNeedsApproval {
			r.approveMemory(ctx, job)
			processed++
			continue
		}
		r.execute(ctx, job, pol)
		processed++
	}
	return processed
}

func (r *Router) execute(ctx context.Context, job types.Job, pol types.Policy) {
	logger := log.WithJobID(job.ID)

	job.Status = types.JobStatusRunning
	job.Attempts++
	job.Audit = append(job.Audit, types.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    "job-started",
		Details:   map[string]any{"attempt": job.Attempts},
	})
	if err := r.store.Update(job); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		return
	}

	params := normalizeParams(job.Capability, job.Params)
	candidate, hasCandidate := r.pickCandidate(job)

	endpoint, hired, reason := r.resolveStrategy(job, pol, candidate, hasCandidate)
	if endpoint == "" {
		r.fail(job, reason)
		return
	}

	budget := job.MaxSats
	if hired && pol.Decisions.AutoHireMaxSats > 0 && pol.Decisions.AutoHireMaxSats < budget {
		budget = pol.Decisions.AutoHireMaxSats
	}

	result, err := r.client.Call(ctx, endpoint, job.Capability, params, budget)
	if err != nil {
		if hired {
			r.peers.RecordFailure(candidate.IdentityKey)
		}
		r.fail(job, err.Error())
		return
	}
	if hired {
		r.peers.RecordSuccess(candidate.IdentityKey)
		metrics.SatoshisSpent.Add(float64(result.SatoshisPaid))
	}

	job.Result = result.Result
	job.SelectedEndpoint = endpoint
	r.audit(&job, "job-executed", "", map[string]any{
		"endpoint":     endpoint,
		"hired":        hired,
		"satoshisPaid": result.SatoshisPaid,
	})
	r.settleMemory(ctx, job, pol)
}

// settleMemory decides what happens to a completed job's result: write it on
// chain, park it for approval, or just complete.
func (r *Router) settleMemory(ctx context.Context, job types.Job, pol types.Policy) {
	if !job.PersistResult {
		r.complete(job)
		return
	}
	if !pol.Decisions.WriteMemoryEnabled {
		job.MemoryStatus = types.MemorySkipped
		r.audit(&job, "memory-skipped", "writeMemoryEnabled is false", nil)
		r.complete(job)
		return
	}
	if pol.Decisions.RequireHumanApprovalForMemory {
		job.Status = types.JobStatusNeedsApproval
		job.MemoryStatus = types.MemoryPendingApproval
		r.audit(&job, "memory-held", "awaiting human approval", nil)
		if err := r.store.Update(job); err != nil {
			log.WithJobID(job.ID).Error().Err(err).Msg("failed to park job for approval")
		}
		r.events.Log("brain", "job-needs-approval", "", map[string]any{"jobId": job.ID})
		return
	}
	r.writeMemory(ctx, job)
}

// approveMemory handles a needs_approval job once the operator allows writes.
func (r *Router) approveMemory(ctx context.Context, job types.Job) {
	r.writeMemory(ctx, job)
}

func (r *Router) writeMemory(ctx context.Context, job types.Job) {
	if r.writer == nil {
		r.fail(job, "no memory writer configured")
		return
	}
	key := job.MemoryKey
	if key == "" {
		key = job.Capability + "/" + job.ID
	}
	txid, err := r.writer.Write(ctx, memory.Entry{
		Key:      key,
		Category: job.MemoryCategory,
		Data:     job.Result,
	})
	if err != nil {
		r.fail(job, fmt.Sprintf("memory write failed: %v", err))
		return
	}
	job.MemoryTxid = txid
	job.MemoryStatus = types.MemoryWritten
	r.audit(&job, "memory-written", "", map[string]any{"txid": txid})
	r.complete(job)
}

// pickCandidate finds a peer advertising the job's capability: the selected
// endpoint if the job pins one, else the lexicographically smallest.
func (r *Router) pickCandidate(job types.Job) (types.Peer, bool) {
	candidates := r.peers.ByCapability(job.Capability)
	var best types.Peer
	found := false
	for _, p := range candidates {
		if p.Endpoint == "" {
			continue
		}
		if job.SelectedEndpoint != "" && p.Endpoint == job.SelectedEndpoint {
			return p, true
		}
		if !found || p.Endpoint < best.Endpoint {
			best = p
			found = true
		}
	}
	return best, found
}

// resolveStrategy returns the endpoint to call, whether it is a hire, and a
// failure reason when neither works.
func (r *Router) resolveStrategy(job types.Job, pol types.Policy, candidate types.Peer, hasCandidate bool) (endpoint string, hired bool, reason string) {
	hireAllowed := pol.Decisions.HireEnabled && capAllowed(job.Capability, pol.Decisions.AutoHireCapabilities)

	switch job.Strategy {
	case types.StrategyLocal:
		if r.localEndpoint == "" {
			return "", false, "no local endpoint configured"
		}
		return r.localEndpoint, false, ""
	case types.StrategyHire:
		if !hireAllowed {
			return "", false, "hiring is disabled by policy"
		}
		if !hasCandidate {
			return "", false, "no peer offers capability " + job.Capability
		}
		return candidate.Endpoint, true, ""
	default: // auto
		if hasCandidate && hireAllowed {
			return candidate.Endpoint, true, ""
		}
		if r.localEndpoint == "" {
			return "", false, "no local endpoint configured and no peer to hire"
		}
		return r.localEndpoint, false, ""
	}
}

func (r *Router) complete(job types.Job) {
	job.Status = types.JobStatusCompleted
	job.Error = ""
	r.audit(&job, "job-completed", "", nil)
	if err := r.store.Update(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to complete job")
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(types.JobStatusCompleted)).Inc()
	r.events.Log("brain", "job-completed", "", map[string]any{
		"jobId":      job.ID,
		"capability": job.Capability,
	})
}

func (r *Router) fail(job types.Job, reason string) {
	job.Status = types.JobStatusFailed
	job.Error = reason
	r.audit(&job, "job-failed", reason, nil)
	if err := r.store.Update(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to record job failure")
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(types.JobStatusFailed)).Inc()
	r.events.Log("brain", "job-failed", reason, map[string]any{
		"jobId":      job.ID,
		"capability": job.Capability,
	})
}

func (r *Router) audit(job *types.Job, action, reason string, details map[string]any) {
	job.Audit = append(job.Audit, types.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Reason:    reason,
		Details:   details,
	})
}

// fingerprint identifies a goal: capability plus canonical params.
func fingerprint(capability string, params map[string]any) (string, error) {
	normalized := normalizeParams(capability, params)
	if normalized == nil {
		normalized = map[string]any{}
	}
	canon, err := canonical.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return capability + ":" + string(canon), nil
}

// normalizeParams applies per-capability parameter aliases without mutating
// the input.
func normalizeParams(capability string, params map[string]any) map[string]any {
	aliases, ok := paramAliases[capability]
	if !ok || len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if target, aliased := aliases[k]; aliased {
			if _, exists := params[target]; !exists {
				out[target] = v
				continue
			}
		}
		out[k] = v
	}
	return out
}

func capAllowed(capability string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, c := range allowlist {
		if c == capability {
			return true
		}
	}
	return false
}
