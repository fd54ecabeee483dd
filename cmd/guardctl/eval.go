package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
	"github.com/agentgateway/agentgateway-sub001/internal/storage"
)

// SourceCLI marks evaluations run by guardctl.
const SourceCLI = "guardctl"

type evalStep struct {
	GuardID string `json:"guard_id"`
	Tier    string `json:"tier"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type evalOutput struct {
	EvaluationID string             `json:"evaluation_id"`
	Decision     guard.WireDecision `json:"decision"`
	Steps        []evalStep         `json:"steps"`
}

func newEvalCmd() *cobra.Command {
	var (
		configPath  string
		hookName    string
		payloadPath string
		failOnDeny  bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run one payload through the configured guards",
		Long: "Reads a guard request document (operation, tools, tool_name, arguments, result, context) " +
			"and prints the composed decision with the per-guard trace. --hook overrides the document's operation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
			var req guard.WireRequest
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				return fmt.Errorf("parsing payload: %w", err)
			}
			if hookName != "" {
				req.Operation = guard.Hook(hookName)
			}
			hook, err := guard.ParseHook(string(req.Operation))
			if err != nil {
				return err
			}

			logger := newLogger()
			reg, err := buildRegistry(configPath, logger)
			if err != nil {
				return fmt.Errorf("invalid guard config: %w", err)
			}
			orch := pipeline.New(reg, storage.Discard{}, logger)
			defer orch.Close() //nolint:errcheck

			res := orch.Run(cmd.Context(), hook, req.Payload(), req.Context, pipeline.Origin{Source: SourceCLI})
			out := evalOutput{
				EvaluationID: res.EvaluationID,
				Decision:     guard.NewWireDecision(res.Decision),
				Steps:        make([]evalStep, 0, len(res.Steps)),
			}
			for _, st := range res.Steps {
				s := evalStep{GuardID: st.GuardID, Tier: st.Tier.String(), Outcome: st.Outcome()}
				if st.Err != nil {
					s.Error = st.Err.Error()
				}
				out.Steps = append(out.Steps, s)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if failOnDeny && res.Decision.IsDeny() {
				return fmt.Errorf("denied: %s", res.Decision.Reason.Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "guards.yaml", "guard config file")
	cmd.Flags().StringVar(&hookName, "hook", "", "tools_list, tool_invoke_request or tool_invoke_response")
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "", "request document (JSON)")
	cmd.Flags().BoolVar(&failOnDeny, "fail-on-deny", false, "exit non-zero when the decision is deny")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}
