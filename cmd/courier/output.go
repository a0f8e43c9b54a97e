package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glimte/courier-go"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/health"
)

// parseContent turns key=value entries into a document. true, false and numbers keep
// their type; everything else is a string.
func parseContent(entries []string) (*contracts.Document, error) {
	doc := contracts.NewDocument()
	for _, entry := range entries {
		key, raw, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid content entry %q, expected key=value", entry)
		}
		doc.Set(key, parseValue(raw))
	}
	return doc, nil
}

func parseValue(raw string) contracts.Value {
	switch raw {
	case "true":
		return contracts.Bool(true)
	case "false":
		return contracts.Bool(false)
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return contracts.Int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return contracts.Float(f)
	}
	return contracts.String(raw)
}

func newRequest(c *courier.Context, correlationID, event string, doc *contracts.Document) (*contracts.RequestMessage, error) {
	if correlationID == "" {
		return c.NewRequest(event, contracts.WithContent(doc))
	}
	return c.CreateRequest(correlationID, event, contracts.WithContent(doc))
}

func printHealth(cmd *cobra.Command, overall health.OverallHealth) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s (%s)\n", overall.Status, overall.Duration)

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "%-30s %-10s %s\n", "Check", "Status", "Message")
	for _, name := range names {
		result := overall.Checks[name]
		fmt.Fprintf(out, "%-30s %-10s %s\n", name, result.Status, result.Message)
	}
}
