package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tgram-labs/digestor/internal/digest/config"
	"github.com/tgram-labs/digestor/internal/digest/core"
	"github.com/tgram-labs/digestor/internal/digest/telemetry"
	srv "github.com/tgram-labs/digestor/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "digestor"}

	root.AddCommand(serveCMD(), digestCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the digest HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}
	return serve
}

func digestCMD() *cobra.Command {
	var (
		inputPath string
		hours     int
		groupID   string
		dryRun    bool
	)
	var digest = &cobra.Command{
		Use:   "digest",
		Short: "Generate a digest from a JSON message file and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", inputPath, err)
			}
			var messages []core.Message
			if err := json.Unmarshal(data, &messages); err != nil {
				return fmt.Errorf("parsing %s: %w", inputPath, err)
			}

			var llm core.Provider
			if dryRun {
				llm = core.StaticProvider{}
			} else {
				llm = core.NewHTTPProvider(cfg.LLM)
			}

			tel := telemetry.New(cfg.Telemetry.Enabled, prometheus.NewRegistry())
			orch := core.NewOrchestrator(cfg, llm, tel)
			result := orch.GenerateDigest(context.Background(), messages, hours, "", groupID)

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	digest.Flags().StringVar(&inputPath, "input", "messages.json", "path to a JSON array of messages")
	digest.Flags().IntVar(&hours, "hours", 24, "window length in hours")
	digest.Flags().StringVar(&groupID, "group", "", "group identifier for logs and metrics")
	digest.Flags().BoolVar(&dryRun, "dry-run", false, "use canned responses instead of calling the LLM")
	return digest
}
