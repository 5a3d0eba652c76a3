package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/service/ctl"
)

func newRuleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage weekly recurrence rules.",
	}

	cmd.AddCommand(newRulePutCommand(), newRuleListCommand(), newRuleDeleteCommand(), newRuleFireCommand())

	return cmd
}

func newRulePutCommand() *cobra.Command {
	var (
		alarmID  string
		days     []int
		at       string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "put [rule-id]",
		Short: "Create or update a recurrence rule.",
		Long: `Stores a weekly rule that prompts to arm the alarm at the given time.

Days are numbered 1..7 starting with Sunday, for example --days 2,3,4,5,6
for weekdays. Without an id a new one is generated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hour, minute, err := parseClock(at)
			if err != nil {
				return err
			}

			daySet, err := domain.ParseDays(days)
			if err != nil {
				return err
			}

			rule := &domain.RecurrenceRule{
				DestinationID: alarmID,
				Days:          daySet,
				Hour:          hour,
				Minute:        minute,
				Enabled:       !disabled,
			}

			if len(args) > 0 {
				rule.ID = args[0]
			}

			return ctl.PutRule(cmd.Context(), options(cmd), rule)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&alarmID, "alarm", "a", "", "alarm the rule arms")
	flags.IntSliceVarP(&days, "days", "d", nil, "days of week, 1 is Sunday")
	flags.StringVarP(&at, "at", "t", "", "local time as HH:MM")
	flags.BoolVar(&disabled, "disabled", false, "store the rule without scheduling it")

	for _, name := range []string{"alarm", "at"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newRuleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recurrence rules.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctl.ListRules(cmd.Context(), options(cmd))
		},
	}
}

func newRuleDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a recurrence rule and its pending wake.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.DeleteRule(cmd.Context(), options(cmd), args[0])
		},
	}
}

func newRuleFireCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fire <rule-id>",
		Short: "Fire a rule now, as if its time had come.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.FireRule(cmd.Context(), options(cmd), args[0])
		},
	}
}

// parseClock reads "HH:MM".
func parseClock(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM: %w", value, err)
	}

	return t.Hour(), t.Minute(), nil
}
