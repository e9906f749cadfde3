//go:build test

package main

import (
	"bytes"

	"github.com/spf13/cobra"
	"github.com/srg/mindlink/internal/testutils"
)

// CommandTestSuite extends MockBLEPeripheralSuite with command testing utilities.
// All cmd/mindlink test suites should embed this instead of MockBLEPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

// NewRoot returns a fresh root command carrying the global flags and cmds
func (s *CommandTestSuite) NewRoot(cmds ...*cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "mindlink", SilenceErrors: true}
	root.PersistentFlags().String("log-level", "", "")
	root.PersistentFlags().String("config", "", "")
	root.PersistentFlags().Bool("simulate", false, "")
	root.AddCommand(cmds...)
	return root
}

// ExecuteCommand runs a cobra command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// ExecuteWithInput is ExecuteCommand with stdin set to input
func (s *CommandTestSuite) ExecuteWithInput(cmd *cobra.Command, input string, args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(bytes.NewBufferString(input))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
