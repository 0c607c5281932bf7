// Package minicli implements a small command-pattern grammar and handler
// registry, trimmed from the teacher's minicli to the subset cagectl needs:
// literal tokens, required "<name>" variables, an optional trailing
// "<name>..." list variable, and "[name]" optional variables. The teacher's
// JSON-serializable Responses, tab-completion trie, and meshage-aware
// remote dispatch are not reproduced here since cagekernel is single-host.
package minicli

import (
	"fmt"
	"strings"
)

// CLIFunc is invoked when a Handler's pattern matches the input. args holds
// one entry per named pattern variable that matched; list variables are
// split on whitespace into Rest.
type CLIFunc func(args map[string]string, rest []string) (string, error)

type Handler struct {
	HelpShort string
	HelpLong  string
	Patterns  []string
	Call      CLIFunc

	patterns [][]patternItem
}

type itemKind int

const (
	literalItem itemKind = iota
	requiredItem
	optionalItem
	listItem
)

type patternItem struct {
	kind itemKind
	text string // literal text, or variable name
}

func parsePattern(pattern string) ([]patternItem, error) {
	var items []patternItem

	for _, tok := range strings.Fields(pattern) {
		switch {
		case strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">..."):
			items = append(items, patternItem{kind: listItem, text: tok[1 : len(tok)-4]})
		case strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">"):
			items = append(items, patternItem{kind: requiredItem, text: tok[1 : len(tok)-1]})
		case strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]"):
			items = append(items, patternItem{kind: optionalItem, text: tok[1 : len(tok)-1]})
		default:
			items = append(items, patternItem{kind: literalItem, text: tok})
		}
	}

	return items, nil
}

// Registry holds a set of registered Handlers and dispatches raw input
// lines against them.
type Registry struct {
	handlers []*Handler
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register parses h's patterns and adds it to the registry.
func (r *Registry) Register(h *Handler) error {
	for _, p := range h.Patterns {
		items, err := parsePattern(p)
		if err != nil {
			return err
		}
		h.patterns = append(h.patterns, items)
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// Run tokenizes line and dispatches it to the first Handler with a matching
// pattern. Returns an error if no Handler matches.
func (r *Registry) Run(line string) (string, error) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return "", nil
	}

	for _, h := range r.handlers {
		for _, pattern := range h.patterns {
			if args, rest, ok := match(pattern, toks); ok {
				return h.Call(args, rest)
			}
		}
	}

	return "", fmt.Errorf("no handler matches: %q", line)
}

// Help renders the short help for every registered handler, in registration
// order, one per line.
func (r *Registry) Help() string {
	var b strings.Builder
	for _, h := range r.handlers {
		fmt.Fprintf(&b, "%-40s %s\n", strings.Join(h.Patterns, " | "), h.HelpShort)
	}
	return b.String()
}

func match(pattern []patternItem, toks []string) (map[string]string, []string, bool) {
	args := make(map[string]string)

	i := 0
	for pi, item := range pattern {
		switch item.kind {
		case literalItem:
			if i >= len(toks) || toks[i] != item.text {
				return nil, nil, false
			}
			i++
		case requiredItem:
			if i >= len(toks) {
				return nil, nil, false
			}
			args[item.text] = toks[i]
			i++
		case optionalItem:
			if i < len(toks) {
				args[item.text] = toks[i]
				i++
			}
		case listItem:
			if i >= len(toks) {
				return nil, nil, false
			}
			if pi != len(pattern)-1 {
				// list must be the last pattern item
				return nil, nil, false
			}
			return args, toks[i:], true
		}
	}

	if i != len(toks) {
		return nil, nil, false
	}

	return args, nil, true
}
