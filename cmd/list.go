package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/log"
	"github.com/zjrosen/snort3test/internal/presentation"
	"github.com/zjrosen/snort3test/internal/tree"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list [suite]",
	Short: "Show the discovered test tree",
	Long: `Discover the test tree and print it. When run history is enabled each
test shows the state it ended with last time.

Examples:
  snort3test list
  snort3test list inspectors --json | jq '.children[].label'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cfg, true)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.ctrl.Load(cmd.Context()); err != nil {
			return err
		}
		t := s.ctrl.Tree()

		node := t.Root
		if len(args) == 1 {
			id := resolveIDs(args)[0]
			n, ok := t.Find(id)
			if !ok {
				return &unknownTestError{ID: id}
			}
			node = n
		}

		var states presentation.StateLookup
		if s.history != nil {
			states = func(id string) (job.State, bool) {
				rec, ok, err := s.history.LastResult(cmd.Context(), id)
				if err != nil {
					log.ErrorErr(log.CatHistory, "Failed to read last result", err, "id", id)
					return "", false
				}
				return rec.State, ok
			}
		}

		if listJSON {
			return presentation.NewFormatter(cmd.OutOrStdout()).FormatTree(presentation.FromNode(node, states))
		}
		return presentation.NewText(cmd.OutOrStdout()).Tree(node, states)
	},
}

type unknownTestError struct {
	ID string
}

func (e *unknownTestError) Error() string {
	if e.ID == tree.RootID {
		return "test tree is empty"
	}
	return "no test or suite at " + e.ID
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print the tree as JSON")
	rootCmd.AddCommand(listCmd)
}
