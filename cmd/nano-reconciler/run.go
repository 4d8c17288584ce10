package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoncore/nano-reconciler/queue"
)

var (
	runNode     int64
	runCustomer int64
	runRequest  int64
)

var runCmd = &cobra.Command{
	Use:   "run <kind>",
	Short: "Execute one task attempt in the foreground and print its result",
	Long: `run executes a single attempt of a task without retries, for example
"run reconstruct --node 12" after reviewing a drift report, or
"run provision --request 88" to re-run a failed service request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := build(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		kind := args[0]
		if err := parseKind(a.queue.Kinds(), kind); err != nil {
			return err
		}
		res, err := a.queue.Run(ctx, queue.Task{
			Kind:       kind,
			NodeID:     runNode,
			CustomerID: runCustomer,
			RequestID:  runRequest,
		})
		if err != nil {
			return err
		}

		out := map[string]string{"kind": kind, "result": res.Status.String()}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		if res.Reason != "" {
			out["reason"] = res.Reason
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if res.Status == queue.Failed || res.Status == queue.Retryable {
			return fmt.Errorf("%s %s", kind, res.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Int64Var(&runNode, "node", 0, "service node id")
	runCmd.Flags().Int64Var(&runCustomer, "customer", 0, "customer id")
	runCmd.Flags().Int64Var(&runRequest, "request", 0, "service request id")
}
