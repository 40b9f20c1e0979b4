package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tangled.org/arabica.social/murmur/internal/config"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/rules"
)

func rulesCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and import moderation rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a JSON rules file without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleSet, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			return checkRules(cmd.OutOrStdout(), rules.NewEngine(rules.DefaultConfig(), nil), ruleSet)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Import a JSON rules file into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			n, err := importRules(cmd.Context(), store, rules.NewEngine(cfg.Rules, nil), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules\n", n)
			return nil
		},
	})
	return cmd
}

// checkRules prints one line per rule and fails if any rule is invalid
func checkRules(out io.Writer, engine *rules.Engine, ruleSet []*models.ModerationRule) error {
	invalid := 0
	models.SortRules(ruleSet)
	for _, r := range ruleSet {
		if err := engine.Check(r); err != nil {
			invalid++
			fmt.Fprintf(out, "FAIL %s: %v\n", r.ID, err)
			continue
		}
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "ok   %s (priority %d, %s, %s)\n", r.ID, r.Priority, r.Action, state)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d rules are invalid", invalid, len(ruleSet))
	}
	return nil
}
