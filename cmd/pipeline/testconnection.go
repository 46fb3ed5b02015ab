package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mpraes/single-node-dw/internal/connectors"
)

var testConnectionSource string

// testConnectionOutcome is the JSON shape printed to stdout: ok reports
// whether Connect succeeded, detail carries either a success confirmation
// or the connection error, so scripts can branch on exit code alone and
// still have the reason available without re-running with more verbosity.
type testConnectionOutcome struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "connect to a configured source and disconnect, without fetching or loading anything",
	Args:  cobra.NoArgs,
	RunE:  runTestConnection,
}

func init() {
	testConnectionCmd.Flags().StringVar(&testConnectionSource, "source", "", "name of the source to test, as defined in the config file's sources map")
	testConnectionCmd.MarkFlagRequired("source")
}

func runTestConnection(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	src, ok := cfg.Sources[testConnectionSource]
	if !ok {
		return fmt.Errorf("pipeline: unknown source %q", testConnectionSource)
	}

	outcome := testConnectionOutcome{}

	conn, err := connectors.New(src.ConnectorType, src.Settings)
	if err != nil {
		outcome.Detail = err.Error()
		return printTestConnectionOutcome(outcome)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		outcome.Detail = err.Error()
		return printTestConnectionOutcome(outcome)
	}

	outcome.OK = true
	outcome.Detail = fmt.Sprintf("source %q: connector %q connected successfully", testConnectionSource, src.ConnectorType)
	return printTestConnectionOutcome(outcome)
}

func printTestConnectionOutcome(outcome testConnectionOutcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("pipeline: encoding test-connection outcome: %w", err)
	}
	fmt.Println(string(encoded))
	if !outcome.OK {
		os.Exit(1)
	}
	return nil
}
