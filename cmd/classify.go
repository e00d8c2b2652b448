package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/orchestration/classifier"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [FILE]",
	Short: "Classify worker output lines with the configured rules",
	Long: `Read worker output from FILE (or stdin) and print the stage event each
line produces. Unmatched lines are skipped unless --all is given. Useful
for testing a classifier.rules_file before deploying it.

Example:
  python3 main.py ACME 2024-01-01 2024-01-31 2>&1 | marketpulse classify
  marketpulse classify worker.log --rules rules.yaml --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClassify,
}

var (
	classifyRules string
	classifyAll   bool
)

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVar(&classifyRules, "rules", "", "Rules file (overrides classifier.rules_file)")
	classifyCmd.Flags().BoolVar(&classifyAll, "all", false, "Also print unmatched lines")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cc := cfg.Classifier
	cc.Watch = false
	if classifyRules != "" {
		cc.RulesFile = classifyRules
	}
	cls, _, err := newClassifier(cc)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	return classifyLines(cls, in, cmd.OutOrStdout(), cfg.Worker.MaxLineBytes, classifyAll)
}

// classifyLines follows the same stage tracking as the worker supervisor so
// rules without a fixed stage resolve the way they would in a real run.
func classifyLines(cls *classifier.Classifier, in io.Reader, out io.Writer, maxLine int, all bool) error {
	current := domain.StageCollection
	scanner := bufio.NewScanner(in)
	if maxLine > bufio.MaxScanTokenSize {
		scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLine)
	}

	for scanner.Scan() {
		line := scanner.Text()
		ev, ok := cls.Classify(line, current)
		if !ok {
			if all && strings.TrimSpace(line) != "" {
				_, _ = fmt.Fprintf(out, "%-11s %-8s %s\n", "-", "-", classifier.Clean(line))
			}
			continue
		}

		current = ev.Stage
		if ev.Advance {
			if next := ev.Stage.Next(); next != domain.StagePersistence && next != domain.StageDone {
				current = next
			}
		}

		msg := ev.Message
		if len(ev.Details) > 0 {
			msg += " [" + strings.Join(ev.Details, ", ") + "]"
		}
		_, _ = fmt.Fprintf(out, "%-11s %-8s %s (%s)\n", ev.Stage, ev.Status, msg, ev.Rule)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}
