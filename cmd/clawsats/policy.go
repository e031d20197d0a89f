package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BSVanon/ClawSats-sub000/pkg/brain"
	"github.com/BSVanon/ClawSats-sub000/pkg/config"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or update the brain policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := brain.LoadPolicy(config.DefaultPaths(baseDir).Policy)
		if err != nil {
			return err
		}
		return printJSON(pol)
	},
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Overlay a YAML fragment onto the policy",
	Long: `Apply a partial policy from a YAML file. Objects merge recursively,
scalars overwrite, everything unmentioned keeps its current value.

Example fragment:

  decisions:
    hireEnabled: true
    autoHireMaxSats: 50`,
	RunE: runPolicyApply,
}

func init() {
	policyApplyCmd.Flags().StringP("file", "f", "", "YAML file with the policy fragment (required)")
	_ = policyApplyCmd.MarkFlagRequired("file")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyApplyCmd)
}

func runPolicyApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var overlay map[string]any
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	path := config.DefaultPaths(baseDir).Policy
	current, err := brain.LoadPolicy(path)
	if err != nil {
		return err
	}

	merged, err := overlayPolicy(current, overlay)
	if err != nil {
		return err
	}
	if err := brain.SavePolicy(path, merged); err != nil {
		return err
	}

	fmt.Println("Policy updated. A running node picks it up on restart.")
	return printJSON(merged)
}

// overlayPolicy deep-merges the YAML fragment over the current policy via a
// JSON round trip, so json tags decide the field names in both directions.
func overlayPolicy(current types.Policy, overlay map[string]any) (types.Policy, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return types.Policy{}, err
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return types.Policy{}, err
	}

	mergedMap := mergeMaps(base, overlay)
	raw, err = json.Marshal(mergedMap)
	if err != nil {
		return types.Policy{}, err
	}
	var merged types.Policy
	if err := json.Unmarshal(raw, &merged); err != nil {
		return types.Policy{}, fmt.Errorf("fragment does not fit the policy shape: %w", err)
	}
	return merged, nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}
