package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ahenk/internal/config"
)

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock the agent configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(configPath))
	cmd.AddCommand(newConfigLockCmd(configPath))
	cmd.AddCommand(newConfigShowCmd(configPath))
	return cmd
}

type checkResult struct {
	Valid    bool     `json:"valid"`
	Path     string   `json:"path,omitempty"`
	Verified bool     `json:"integrity_verified"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func newConfigCheckCmd(configPath *string) *cobra.Command {
	var jsonOut, strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate syntax and integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			res := checkConfig(*configPath)
			if err := writeCheckResult(cmd.OutOrStdout(), res, jsonOut); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("configuration is invalid")
			}
			if strict && len(res.Warnings) > 0 {
				return fmt.Errorf("configuration has %d warning(s)", len(res.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output in JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

func checkConfig(configPath string) checkResult {
	res := checkResult{Valid: true}

	cfg, integrity, err := config.LoadVerified(configPath)
	if integrity != nil {
		res.Verified = integrity.Verified
		res.Warnings = append(res.Warnings, integrity.Warnings...)
	}
	if err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.Path = cfg.Path
	if cfg.API.Enabled && cfg.API.Token == "" {
		res.Warnings = append(res.Warnings, "api.enabled is set but api.token is empty; every request will be rejected")
	}
	if cfg.KnownHostsPath() == "" {
		res.Warnings = append(res.Warnings, "no known_hosts file; file server host keys are only checked when a task carries host_key")
	}
	return res
}

func writeCheckResult(w io.Writer, res checkResult, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	status := "OK"
	if !res.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(w, "Configuration: %s\n", status)
	if res.Path != "" {
		fmt.Fprintf(w, "Path: %s\n", res.Path)
	}
	fmt.Fprintf(w, "Integrity verified: %t\n", res.Verified)
	for _, msg := range res.Warnings {
		fmt.Fprintf(w, "WARN  %s\n", msg)
	}
	for _, msg := range res.Errors {
		fmt.Fprintf(w, "ERROR %s\n", msg)
	}
	return nil
}

func newConfigLockCmd(configPath *string) *cobra.Command {
	var verbose, dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Authorize the current configuration by writing .checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := config.Lock(*configPath, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				fmt.Fprintf(out, "Processing directory: %s\n", report.ConfigDir)
				for _, f := range report.Files {
					if !f.Exists {
						fmt.Fprintf(out, "  SKIP %s: not found (optional)\n", f.Key)
						continue
					}
					fmt.Fprintf(out, "  HASH %s: %s\n", f.Key, f.Hash)
				}
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run: %s not written\n", report.ChecksumPath)
				return nil
			}
			fmt.Fprintf(out, "Wrote %s\n", report.ChecksumPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute hashes without writing")
	return cmd
}

func newConfigShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.API.Token != "" {
				cfg.API.Token = "<redacted>"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
