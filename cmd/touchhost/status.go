// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/talex-touch/touchhost/internal/control"
)

// HostStatus holds the status information of a host.
type HostStatus struct {
	Running       bool   `json:"running"`
	Health        string `json:"health,omitempty"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Version       string `json:"version,omitempty"`
	Plugins       int    `json:"plugins"`
	Active        string `json:"active,omitempty"`
	Error         string `json:"error,omitempty"`
}

type statusConfig struct {
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running host",
		Long:  `Show the health and status of the running host through its control socket.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	status := queryHostStatus(cmd.Context(), appCfg.ControlSocket)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return oops.Wrapf(err, "marshal status")
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Print(formatStatusTable(status))
	return nil
}

// queryHostStatus queries the control socket and returns the host status.
func queryHostStatus(ctx context.Context, socketPath string) HostStatus {
	var status HostStatus

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		status.Error = "socket not found"
		return status
	}

	client := control.NewClient(socketPath, controlTimeout)

	health, err := client.Health(ctx)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	status.Running = true
	status.Health = health.Status

	resp, err := client.Status(ctx)
	if err != nil {
		return status
	}
	status.Running = resp.Running
	status.PID = resp.PID
	status.UptimeSeconds = resp.UptimeSeconds
	status.Version = resp.Version
	status.Plugins = resp.Plugins
	status.Active = resp.Active
	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status HostStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "STATUS\tHEALTH\tPID\tUPTIME\tPLUGINS\tACTIVE")
	if status.Running {
		active := status.Active
		if active == "" {
			active = "-"
		}
		_, _ = fmt.Fprintf(w, "running\t%s\t%d\t%s\t%d\t%s\n",
			status.Health, status.PID, formatUptime(status.UptimeSeconds), status.Plugins, active)
	} else {
		reason := "not running"
		if status.Error != "" {
			reason = status.Error
		}
		_, _ = fmt.Fprintf(w, "stopped\t-\t-\t-\t-\t%s\n", reason)
	}

	_ = w.Flush()
	return string(buf)
}

// byteWriter is a simple io.Writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
