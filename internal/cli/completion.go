package cli

import (
	"context"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// ensureApp lazily initializes appInstance for shell completion.
// Cobra may invoke ValidArgsFunction without running PersistentPreRunE.
func ensureApp() error {
	if appInstance != nil {
		return nil
	}
	var err error
	appInstance, err = newApp()
	return err
}

// completeIdentities offers every identity with recorded traffic or a
// schedule.
func completeIdentities(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if err := ensureApp(); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	ctx := context.Background()
	seen := make(map[string]bool)

	summary, err := appInstance.Query.Summary(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	for _, s := range summary {
		seen[s.Identity] = true
	}
	schedules, err := appInstance.Query.Schedules(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	for _, s := range schedules {
		seen[s.Schedule.Identity] = true
	}

	var completions []string
	for identity := range seen {
		if strings.HasPrefix(strings.ToLower(identity), strings.ToLower(toComplete)) {
			completions = append(completions, identity)
		}
	}
	sort.Strings(completions)
	return completions, cobra.ShellCompDirectiveNoFileComp
}

func completeExpiry(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"auto_1h", "auto_2h", "auto_6h", "auto_12h", "30", "365", "3650"}, cobra.ShellCompDirectiveNoFileComp
}
