package client

import (
	"net/url"

	"github.com/spf13/cobra"
)

// NewStatusCommand reports the node and plugin states.
func NewStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node and plugin states",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := getJSON(baseURL() + "/v1/status")
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
}

// NewStopCommand takes the node down.
func NewStopCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			async, _ := cmd.Flags().GetBool("async")
			raw, err := postJSON(baseURL()+"/v1/stop", map[string]bool{"sync": !async})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().Bool("async", false, "Return immediately instead of waiting for shutdown")
	return cmd
}

// NewInspectCommand resolves a JSON path in a plugin's persistent store.
func NewInspectCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PLUGIN_ID [JSON_PATH]",
		Short: "Read a plugin's persistent store",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			q := url.Values{"plugin": {args[0]}, "path": {path}}
			raw, err := getJSON(baseURL() + "/v1/inspect?" + q.Encode())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
}

// NewFlushCommand pushes output plugins through their backlog.
func NewFlushCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush [PLUGIN_ID]",
		Short: "Flush one output plugin, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetFloat64("timeout")
			body := map[string]interface{}{"timeout_sec": timeout}
			if len(args) == 1 {
				body["plugin"] = args[0]
			}
			raw, err := postJSON(baseURL()+"/v1/flush", body)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().Float64("timeout", 30, "Seconds to wait for the flush to finish")
	return cmd
}

// NewProgressCommand reports every buffer consumer's position.
func NewProgressCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show buffer consumer progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := getJSON(baseURL() + "/v1/progress")
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
}

// Register adds every admin subcommand to root.
func Register(root *cobra.Command, baseURL BaseURLFunc) {
	if baseURL == nil {
		baseURL = func() string { return "http://127.0.0.1:7000" }
	}
	root.AddCommand(
		NewStatusCommand(baseURL),
		NewStopCommand(baseURL),
		NewInspectCommand(baseURL),
		NewFlushCommand(baseURL),
		NewProgressCommand(baseURL),
	)
}
