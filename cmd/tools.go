package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"callisto_daemon/internal/config"
	"callisto_daemon/internal/serial"
	"callisto_daemon/internal/service"

	"github.com/spf13/cobra"
)

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial devices on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports := serial.ListPorts()
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Fprintf(out, "%s\tusb %s:%s serial=%s\n", p.Name, p.VID, p.PID, p.SerialNumber)
					continue
				}
				fmt.Fprintln(out, p.Name)
			}
			return nil
		},
	}
}

func newCheckScheduleCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-schedule [file]",
		Short: "Validate a schedule file and print the resulting entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				path = cfg.ScheduleFile
			}
			return checkSchedule(cmd.OutOrStdout(), path)
		},
	}
}

func checkSchedule(out io.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("schedule %q: %w", path, err)
	}
	entries, dups, err := config.LoadSchedule(path)
	if err != nil {
		return err
	}
	for _, d := range dups {
		fmt.Fprintf(out, "warning: %s defined on lines %v and %d; line %d wins\n", d.At, d.Dropped, d.Kept, d.Kept)
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  focus %02d  mode %d %s\n", e.Clock(), e.FocusCode, e.Mode.Code(), e.Mode)
	}
	fmt.Fprintf(out, "%d entries\n", len(entries))
	return nil
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for auth.password_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			hash, err := service.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
