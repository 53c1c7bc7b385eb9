package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/ferry/backup"
	"github.com/teranos/ferry/export"
	"github.com/teranos/ferry/mutate"
	"github.com/teranos/ferry/record"
)

// PeopleCmd applies bulk maintenance operations to profiles.
var PeopleCmd = &cobra.Command{
	Use:   "people",
	Short: "Bulk profile maintenance",
	Long: `Apply bulk property operations to profiles.

Targets come from an explicit id list (--ids), a local file of profiles
(--file), or a remote query (--where; the default selects every profile).
Unless --no-backup is given, every targeted profile is snapshotted to a
backup file before its mutation is sent; a profile whose snapshot cannot be
written is skipped, never mutated.

Examples:
  ferry people set -p plan=pro --ids u1,u2
  ferry people add -p logins=1 --ids u1
  ferry people unset -n stale_prop --where 'properties["stale_prop"] != ""'
  ferry people rename -r "Plan Type=plan" --file profiles.jsonl
  ferry people dedupe --key '$email' --merge
  ferry people delete --ids u9 --ignore-alias
  ferry people sum-transactions`,
}

var (
	peopleIDs         []string
	peopleFile        string
	peopleWhere       string
	peopleNoBackup    bool
	peopleBackupDir   string
	peopleIgnoreAlias bool

	peopleProps   []string
	peopleNames   []string
	peopleRenames []string
	peopleDeltas  []string

	dedupeKey           string
	dedupeMerge         bool
	dedupeCaseSensitive bool

	sumProperty string
)

func addTargetFlags(c *cobra.Command) {
	c.Flags().StringSliceVar(&peopleIDs, "ids", nil, "Target distinct ids (comma separated)")
	c.Flags().StringVar(&peopleFile, "file", "", "Target profiles from a local file")
	c.Flags().StringVar(&peopleWhere, "where", "", "Target profiles matching a remote selector")
	c.Flags().BoolVar(&peopleNoBackup, "no-backup", false, "Skip the pre-mutation snapshot")
	c.Flags().StringVar(&peopleBackupDir, "backup-dir", "", "Directory for snapshot files")
	c.Flags().BoolVar(&peopleIgnoreAlias, "ignore-alias", false, "Mutate literal ids without alias resolution")
}

// peopleTargets resolves the target source from the flags. Remote queries
// stream through the exporter so target sets of any size stay bounded.
func peopleTargets(cmd *cobra.Command, s *stack) (record.Source, func() error, error) {
	set := 0
	if len(peopleIDs) > 0 {
		set++
	}
	if peopleFile != "" {
		set++
	}
	if peopleWhere != "" {
		set++
	}
	if set > 1 {
		return nil, nil, fmt.Errorf("--ids, --file, and --where are mutually exclusive")
	}

	switch {
	case len(peopleIDs) > 0:
		return mutate.TargetsFromIDs(peopleIDs), func() error { return nil }, nil
	case peopleFile != "":
		src, err := record.OpenFile(peopleFile)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		stream := s.exporter().Profiles(cmd.Context(), export.ProfileParams{Where: peopleWhere})
		return stream, stream.Close, nil
	}
}

func peopleOptions() mutate.Options {
	opts := mutate.Options{IgnoreAlias: peopleIgnoreAlias}
	if !peopleNoBackup {
		w := backup.NewWriter(backup.DefaultPath(peopleBackupDir))
		opts.Backup = w
	}
	return opts
}

// runPeopleOp wires targets, backup, and the engine around one operation.
func runPeopleOp(cmd *cobra.Command, op func(*mutate.Engine, record.Source, mutate.Options) (*mutate.Result, error)) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	engine, err := s.engine()
	if err != nil {
		return err
	}
	targets, closeTargets, err := peopleTargets(cmd, s)
	if err != nil {
		return err
	}
	defer closeTargets()

	opts := peopleOptions()
	result, err := op(engine, targets, opts)
	if opts.Backup != nil {
		if cerr := opts.Backup.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if opts.Backup.Count() > 0 {
			fmt.Printf("Backed up %d profiles to %s\n", opts.Backup.Count(), opts.Backup.Path())
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("Applied %d, rejected %d, skipped %d\n",
		result.Applied, result.Rejected, result.Skipped)
	for _, o := range result.Outcomes {
		fmt.Printf("  %s %s: %s\n", o.Outcome, o.DistinctID, o.Reason)
	}
	if len(result.BatchErrors) > 0 {
		for _, berr := range result.BatchErrors {
			fmt.Printf("  batch error: %v\n", berr)
		}
		return fmt.Errorf("%d update batches failed", len(result.BatchErrors))
	}
	return nil
}

// parsePairs turns repeated key=value flags into a property map.
func parsePairs(pairs []string) (record.Props, error) {
	props := record.Props{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", pair)
		}
		props[k] = v
	}
	return props, nil
}

var peopleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Overwrite properties on targeted profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parsePairs(peopleProps)
		if err != nil {
			return err
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Set(cmd.Context(), props, t, o)
		})
	},
}

var peopleSetOnceCmd = &cobra.Command{
	Use:   "set-once",
	Short: "Write properties only where absent",
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parsePairs(peopleProps)
		if err != nil {
			return err
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.SetOnce(cmd.Context(), props, t, o)
		})
	},
}

var peopleUnsetCmd = &cobra.Command{
	Use:   "unset",
	Short: "Remove properties from targeted profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(peopleNames) == 0 {
			return fmt.Errorf("at least one --name is required")
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Unset(cmd.Context(), peopleNames, t, o)
		})
	},
}

var peopleRenameCmd = &cobra.Command{
	Use:   "rename",
	Short: "Move property values to new names",
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := parsePairs(peopleRenames)
		if err != nil {
			return err
		}
		names := make(map[string]string, len(pairs))
		for oldName, newName := range pairs {
			names[oldName] = newName.(string)
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Rename(cmd.Context(), names, t, o)
		})
	},
}

// parseDeltas turns repeated key=number flags into an increment map.
func parseDeltas(pairs []string) (map[string]float64, error) {
	props, err := parsePairs(pairs)
	if err != nil {
		return nil, err
	}
	deltas := make(map[string]float64, len(props))
	for k, v := range props {
		f, err := strconv.ParseFloat(v.(string), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid increment %s=%v, want a number", k, v)
		}
		deltas[k] = f
	}
	return deltas, nil
}

var peopleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Increment numeric properties",
	RunE: func(cmd *cobra.Command, args []string) error {
		deltas, err := parseDeltas(peopleDeltas)
		if err != nil {
			return err
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Add(cmd.Context(), deltas, t, o)
		})
	},
}

var peopleAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Push values onto list properties",
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parsePairs(peopleProps)
		if err != nil {
			return err
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Append(cmd.Context(), props, t, o)
		})
	},
}

var peopleUnionCmd = &cobra.Command{
	Use:   "union",
	Short: "Merge values into list properties without duplicates",
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parsePairs(peopleProps)
		if err != nil {
			return err
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Union(cmd.Context(), props, t, o)
		})
	},
}

var peopleRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete values from list properties",
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parsePairs(peopleProps)
		if err != nil {
			return err
		}
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Remove(cmd.Context(), props, t, o)
		})
	},
}

var peopleDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete targeted profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Delete(cmd.Context(), t, o)
		})
	},
}

var peopleDedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Collapse duplicate profiles",
	Long: `Collapse profiles sharing the same key property down to the one with
the latest $last_seen. Matching folds case unless --case-sensitive is given.
With --merge, the survivor inherits properties it was missing from the
deleted duplicates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.Deduplicate(cmd.Context(), t, mutate.DedupOptions{
				Options:       o,
				Key:           dedupeKey,
				CaseSensitive: dedupeCaseSensitive,
				Merge:         dedupeMerge,
			})
		})
	},
}

var peopleSumCmd = &cobra.Command{
	Use:   "sum-transactions",
	Short: "Total each profile's transactions into a property",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeopleOp(cmd, func(e *mutate.Engine, t record.Source, o mutate.Options) (*mutate.Result, error) {
			return e.SumTransactions(cmd.Context(), sumProperty, t, o)
		})
	},
}

func init() {
	subs := []*cobra.Command{
		peopleSetCmd, peopleSetOnceCmd, peopleUnsetCmd, peopleAddCmd,
		peopleAppendCmd, peopleUnionCmd, peopleRemoveCmd, peopleRenameCmd,
		peopleDeleteCmd, peopleDedupeCmd, peopleSumCmd,
	}
	for _, c := range subs {
		addTargetFlags(c)
		PeopleCmd.AddCommand(c)
	}

	for _, c := range []*cobra.Command{peopleSetCmd, peopleSetOnceCmd, peopleAppendCmd, peopleUnionCmd, peopleRemoveCmd} {
		c.Flags().StringSliceVarP(&peopleProps, "prop", "p", nil, "Property to write, key=value (repeatable)")
	}
	peopleUnsetCmd.Flags().StringSliceVarP(&peopleNames, "name", "n", nil, "Property name to remove (repeatable)")
	peopleAddCmd.Flags().StringSliceVarP(&peopleDeltas, "prop", "p", nil, "Increment to apply, key=number (repeatable)")
	peopleRenameCmd.Flags().StringSliceVarP(&peopleRenames, "rename", "r", nil, "Rename mapping, old=new (repeatable)")
	peopleDedupeCmd.Flags().StringVar(&dedupeKey, "key", "$email", "Property duplicates are grouped by")
	peopleDedupeCmd.Flags().BoolVar(&dedupeCaseSensitive, "case-sensitive", false, "Match key values exactly instead of case-folded")
	peopleDedupeCmd.Flags().BoolVar(&dedupeMerge, "merge", false, "Merge missing properties onto the survivor")
	peopleSumCmd.Flags().StringVar(&sumProperty, "property", "Revenue", "Property the total is written to")
}
