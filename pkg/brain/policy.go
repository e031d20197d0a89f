package brain

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BSVanon/ClawSats-sub000/pkg/fsutil"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

// DefaultPolicy is the built-in conservative policy: discover peers, but
// spend nothing and write nothing without explicit opt-in.
func DefaultPolicy() types.Policy {
	return types.Policy{
		Version: 1,
		Timers: types.PolicyTimers{
			DiscoveryIntervalSeconds:      300,
			DirectoryRegisterEverySeconds: 3600,
			AutoInviteOnDiscovery:         true,
		},
		Decisions: types.PolicyDecisions{
			HireEnabled:                   false,
			AutoHireMaxSats:               100,
			WriteMemoryEnabled:            false,
			RequireHumanApprovalForMemory: true,
			MaxJobsPerSweep:               3,
		},
		Growth: types.PolicyGrowth{
			MinHealthyPeers:  3,
			TargetKnownPeers: 25,
		},
		Goals: types.PolicyGoals{
			AutoGenerateJobs:         false,
			GenerateJobsEverySeconds: 600,
		},
	}
}

// LoadPolicy reads the policy file and deep-merges it over the default, so a
// partial file only overrides what it names. A missing file yields the
// default.
func LoadPolicy(path string) (types.Policy, error) {
	def := DefaultPolicy()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return def, fmt.Errorf("failed to read policy: %w", err)
	}

	var overlay map[string]any
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return def, fmt.Errorf("failed to parse policy: %w", err)
	}

	var base map[string]any
	defJSON, err := json.Marshal(def)
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal(defJSON, &base); err != nil {
		return def, err
	}

	merged := deepMerge(base, overlay)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return def, err
	}
	var out types.Policy
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return def, fmt.Errorf("merged policy does not parse: %w", err)
	}
	return out, nil
}

// SavePolicy writes the policy atomically.
func SavePolicy(path string, policy types.Policy) error {
	if err := fsutil.WriteJSONAtomic(path, policy, 0o644); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

// deepMerge overlays b onto a: object-valued keys recurse, everything else
// overwrites.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if subB, ok := v.(map[string]any); ok {
			if subA, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(subA, subB)
				continue
			}
		}
		out[k] = v
	}
	return out
}
