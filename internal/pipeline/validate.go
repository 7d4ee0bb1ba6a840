package pipeline

import (
	"fmt"
	"strings"

	"github.com/splax/pipectl/internal/domain"
)

// Problem is an advisory finding about a pipeline config. The engine remains
// the authority; these are surfaced to tenants before a push.
type Problem struct {
	ComponentID string
	Kind        domain.ComponentKind
	Message     string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %q: %s", p.Kind, p.ComponentID, p.Message)
}

// Validate reports duplicate ids, sources with inputs, dangling or sink-bound
// inputs, and cycles between transforms. Results are ordered by namespace then id.
func Validate(cfg domain.PipelineConfig) []Problem {
	var problems []Problem

	seen := make(map[string]domain.ComponentKind)
	record := func(kind domain.ComponentKind, components map[string]domain.ComponentSpec) {
		for _, id := range domain.SortedIDs(components) {
			if prev, ok := seen[id]; ok {
				problems = append(problems, Problem{ComponentID: id, Kind: kind, Message: fmt.Sprintf("id already used by a %s", prev)})
				continue
			}
			seen[id] = kind
		}
	}
	record(domain.KindSource, cfg.Sources)
	record(domain.KindTransform, cfg.Transforms)
	record(domain.KindSink, cfg.Sinks)

	for _, id := range domain.SortedIDs(cfg.Sources) {
		if len(cfg.Sources[id].Inputs) > 0 {
			problems = append(problems, Problem{ComponentID: id, Kind: domain.KindSource, Message: "sources do not accept inputs"})
		}
	}

	checkInputs := func(kind domain.ComponentKind, components map[string]domain.ComponentSpec) {
		for _, id := range domain.SortedIDs(components) {
			spec := components[id]
			if len(spec.Inputs) == 0 {
				problems = append(problems, Problem{ComponentID: id, Kind: kind, Message: "no inputs declared"})
				continue
			}
			for _, input := range spec.Inputs {
				if msg := resolveInput(cfg, input); msg != "" {
					problems = append(problems, Problem{ComponentID: id, Kind: kind, Message: msg})
				}
			}
		}
	}
	checkInputs(domain.KindTransform, cfg.Transforms)
	checkInputs(domain.KindSink, cfg.Sinks)

	for _, cycle := range findCycles(cfg.Transforms) {
		problems = append(problems, Problem{
			ComponentID: cycle[0],
			Kind:        domain.KindTransform,
			Message:     "cycle: " + strings.Join(cycle, " -> "),
		})
	}
	return problems
}

func resolveInput(cfg domain.PipelineConfig, input string) string {
	id := upstreamID(cfg, input)
	if _, ok := cfg.Sources[id]; ok {
		return ""
	}
	if _, ok := cfg.Transforms[id]; ok {
		return ""
	}
	if _, ok := cfg.Sinks[id]; ok {
		return fmt.Sprintf("input %q is a sink", input)
	}
	return fmt.Sprintf("input %q does not exist", input)
}

// upstreamID strips a named output port ("otel.logs" -> "otel") when the bare
// input is not itself a component id.
func upstreamID(cfg domain.PipelineConfig, input string) string {
	if cfg.Has(input) {
		return input
	}
	if idx := strings.LastIndex(input, "."); idx > 0 {
		return input[:idx]
	}
	return input
}

func findCycles(transforms map[string]domain.ComponentSpec) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(transforms))
	var (
		stack  []string
		cycles [][]string
		visit  func(id string)
	)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, input := range transforms[id].Inputs {
			next := input
			if _, ok := transforms[next]; !ok {
				if idx := strings.LastIndex(input, "."); idx > 0 {
					next = input[:idx]
				}
			}
			if _, ok := transforms[next]; !ok {
				continue
			}
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				cycles = append(cycles, append(cycle, next))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, id := range domain.SortedIDs(transforms) {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}
