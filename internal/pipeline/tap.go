// Package pipeline augments tenant pipeline graphs with preview taps and
// offers advisory validation of their topology.
package pipeline

import (
	"strconv"
	"strings"

	"github.com/splax/pipectl/internal/domain"
)

const (
	// PreviewSinkID is reserved for the shared sink that forwards tapped events.
	PreviewSinkID = "preview_sink"

	tapSuffix            = "_preview"
	previewSinkType      = "http"
	tapTransformType     = "remap"
	defaultBatchMaxBytes = 1 << 20
	defaultBatchMaxEvent = 10
)

// SourcePort maps a source id to the output that carries its log events.
type SourcePort func(sourceID string) string

// NamedPort selects a named sub-output of a source, e.g. "otel.logs".
func NamedPort(name string) SourcePort {
	return func(sourceID string) string {
		return sourceID + "." + name
	}
}

func defaultSourcePorts() map[string]SourcePort {
	return map[string]SourcePort{
		"opentelemetry": NamedPort("logs"),
	}
}

// Options configures an Injector.
type Options struct {
	// IngestURL is where the preview sink forwards tapped events.
	IngestURL string
	// Headers are attached to every forwarded batch, typically an API key.
	Headers        map[string]string
	BatchMaxBytes  int
	BatchMaxEvents int
}

// Injector adds non-destructive observation taps to pipeline configs.
// It holds no mutable state and is safe for concurrent use.
type Injector struct {
	opts  Options
	ports map[string]SourcePort
}

// NewInjector returns an Injector with the default source port table.
func NewInjector(opts Options) *Injector {
	if opts.BatchMaxBytes <= 0 {
		opts.BatchMaxBytes = defaultBatchMaxBytes
	}
	if opts.BatchMaxEvents <= 0 {
		opts.BatchMaxEvents = defaultBatchMaxEvent
	}
	return &Injector{opts: opts, ports: defaultSourcePorts()}
}

// WithSourcePort returns a copy of the injector that taps sources of the given
// type through port instead of their default output.
func (in *Injector) WithSourcePort(sourceType string, port SourcePort) *Injector {
	ports := make(map[string]SourcePort, len(in.ports)+1)
	for k, v := range in.ports {
		ports[k] = v
	}
	ports[sourceType] = port
	return &Injector{opts: in.opts, ports: ports}
}

// Inject returns a copy of cfg with one tap transform per source and per sink,
// all feeding a single preview sink. Original components are left untouched;
// inputs that reference missing components pass through as-is.
//
// Tap ids that would collide with an existing component get a numeric suffix.
// A pre-existing preview sink is replaced, so re-injecting an already tapped
// config adds a second generation of taps rather than failing.
func (in *Injector) Inject(cfg domain.PipelineConfig, orgID string) domain.PipelineConfig {
	out := cfg.Clone().Normalized()
	delete(out.Sinks, PreviewSinkID)

	taps := make([]string, 0, len(cfg.Sources)+len(cfg.Sinks))
	for _, id := range domain.SortedIDs(cfg.Sources) {
		spec := cfg.Sources[id]
		tapID := uniqueID(out, id+tapSuffix)
		out.Transforms[tapID] = in.tap([]string{in.sourceInput(id, spec.Type)}, id, domain.PreviewTypeSource, orgID)
		taps = append(taps, tapID)
	}
	for _, id := range domain.SortedIDs(cfg.Sinks) {
		if id == PreviewSinkID {
			continue
		}
		inputs := append([]string{}, cfg.Sinks[id].Inputs...)
		tapID := uniqueID(out, id+tapSuffix)
		out.Transforms[tapID] = in.tap(inputs, id, domain.PreviewTypeSink, orgID)
		taps = append(taps, tapID)
	}

	sink := in.previewSink()
	sink.Inputs = taps
	out.Sinks[PreviewSinkID] = sink
	return out
}

func (in *Injector) sourceInput(id, sourceType string) string {
	if port, ok := in.ports[sourceType]; ok {
		return port(id)
	}
	return id
}

func (in *Injector) tap(inputs []string, componentID, previewType, orgID string) domain.ComponentSpec {
	return domain.ComponentSpec{
		Type:   tapTransformType,
		Inputs: inputs,
		Params: map[string]any{
			"source": tapProgram(componentID, previewType, orgID),
		},
	}
}

func (in *Injector) previewSink() domain.ComponentSpec {
	params := map[string]any{
		"uri":         in.opts.IngestURL,
		"method":      "post",
		"compression": "none",
		"encoding":    map[string]any{"codec": "json"},
		"batch": map[string]any{
			"max_bytes":  in.opts.BatchMaxBytes,
			"max_events": in.opts.BatchMaxEvents,
		},
	}
	if len(in.opts.Headers) > 0 {
		headers := make(map[string]any, len(in.opts.Headers))
		for k, v := range in.opts.Headers {
			headers[k] = v
		}
		params["request"] = map[string]any{"headers": headers}
	}
	return domain.ComponentSpec{Type: previewSinkType, Inputs: []string{}, Params: params}
}

// tapProgram renders the remap body that tags each event with preview metadata.
// The timestamp is taken by the engine when the event passes the tap.
func tapProgram(componentID, previewType, orgID string) string {
	var b strings.Builder
	b.WriteString("." + domain.FieldPreviewComponent + " = " + strconv.Quote(componentID) + "\n")
	b.WriteString("." + domain.FieldPreviewType + " = " + strconv.Quote(previewType) + "\n")
	b.WriteString("." + domain.FieldPreviewOrg + " = " + strconv.Quote(orgID) + "\n")
	b.WriteString("." + domain.FieldPreviewTimestamp + " = now()\n")
	return b.String()
}

func uniqueID(cfg domain.PipelineConfig, base string) string {
	if !cfg.Has(base) {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + "_" + strconv.Itoa(n)
		if !cfg.Has(candidate) {
			return candidate
		}
	}
}
