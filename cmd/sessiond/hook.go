package main

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/providers"
)

// newHookCmd is the pre-tool-use validator wired into generated agent
// settings. It always exits zero; the verdict is in the JSON it prints.
func newHookCmd() *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:    "hook",
		Short:  "Validate an agent tool call read from stdin",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind := providers.Lookup(agent)

			var decision providers.Decision
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				decision = providers.Decision{Permission: providers.Deny, Reason: "hook: failed to read input"}
			} else {
				decision = providers.Validate(kind, input, providers.EnvFromOS())
			}

			logging.NewLogger("hook").
				WithField("decision_id", uuid.NewString()).
				WithField("agent", kind.Name()).
				WithField("permission", decision.Permission).
				Debug(decision.Reason)

			return json.NewEncoder(cmd.OutOrStdout()).Encode(kind.RenderDecision(decision))
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "claude", "Agent kind whose decision format to emit")
	return cmd
}
