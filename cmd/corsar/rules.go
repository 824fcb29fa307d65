package main

import (
	"fmt"
	"unicode/utf8"

	"github.com/altereigo/queenscorsar/internal/signup"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the guild rules file",
	}
	cmd.AddCommand(newRulesCheckCmd())
	return cmd
}

func newRulesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Check that a rules file splits into sendable messages",
		Long: "Splits the rules file on === markers and verifies every paragraph fits " +
			"in one Discord message.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesCheck(cmd, args[0])
		},
	}
}

func runRulesCheck(cmd *cobra.Command, path string) error {
	chunks, err := signup.LoadRules(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(chunks) == 0 {
		return fmt.Errorf("rules %s: no paragraphs", path)
	}
	for i, c := range chunks {
		fmt.Fprintf(out, "  paragraph %d: %d/%d characters\n", i+1, utf8.RuneCountInString(c), signup.MaxMessageLength)
	}
	fmt.Fprintf(out, "%s: %d paragraphs OK\n", path, len(chunks))
	return nil
}
