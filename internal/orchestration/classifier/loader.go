package classifier

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/watcher"
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule table. Unknown keys are rejected.
func ParseRules(data []byte) (Table, error) {
	var f rulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Table{}, fmt.Errorf("decode rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return Table{}, fmt.Errorf("rules file defines no rules")
	}
	return NewTable(f.Rules)
}

// LoadRules reads and parses a YAML rule table.
func LoadRules(path string) (Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return Table{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// MarshalRules encodes rules in the format ParseRules reads.
func MarshalRules(rules []Rule) ([]byte, error) {
	return yaml.Marshal(rulesFile{Rules: rules})
}

// WatchRules reloads the classifier whenever the content of path changes.
// A file that fails to parse keeps the previous table. The returned func
// stops watching and waits for the watcher to exit.
func WatchRules(c *Classifier, path string) (func() error, error) {
	w, err := watcher.New(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(data []byte) {
			table, err := ParseRules(data)
			if err != nil {
				log.ErrorErr(log.CatClassifier, "Rule reload failed, keeping previous table", err, "path", path)
				return
			}
			c.Swap(table)
			log.Info(log.CatClassifier, "Reloaded classifier rules", "path", path, "rules", table.Len())
		})
	}()

	return sync.OnceValue(func() error {
		cancel()
		return <-done
	}), nil
}
