package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/targets"
)

var classifyOpts struct {
	label      string
	own        bool
	searchMode string
	country    string
	language   string
}

func init() {
	f := classifyCmd.Flags()
	f.StringVar(&classifyOpts.label, "label", "", "Treat every seed as this label (HANDLE, SEARCH, STATUS, EVENTS, TOPIC).")
	f.BoolVar(&classifyOpts.own, "own", false, "Point handles at their own tweets instead of the replies timeline.")
	f.StringVar(&classifyOpts.searchMode, "search-mode", types.SearchModeTop, "Search mode: top, latest, people, photo or video.")
	f.StringVar(&classifyOpts.country, "country", "", "ISO 3166 alpha-2 code to geo-scope searches.")
	f.StringVar(&classifyOpts.language, "language", "", "Search language, overrides the country languages.")
	rootCmd.AddCommand(classifyCmd)
}

var classifyCmd = &cobra.Command{
	Use:   "classify <seed>...",
	Short: "Prints the work items the given seeds classify into.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		classifier, err := targets.New(targets.Options{
			Replies:    !classifyOpts.own,
			SearchMode: classifyOpts.searchMode,
			Country:    classifyOpts.country,
			Language:   classifyOpts.language,
		})
		if err != nil {
			return err
		}

		label := types.Label(classifyOpts.label)
		var items []types.WorkItem
		failed := 0
		for _, seed := range args {
			classified, err := classifier.ClassifyAs(label, seed)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				failed++
				continue
			}
			items = append(items, classified...)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(items); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d seeds are invalid", failed, len(args))
		}
		return nil
	},
}
