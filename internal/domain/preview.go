package domain

// Tap metadata keys written into every preview event.
const (
	FieldPreviewComponent = "previewComponent"
	FieldPreviewType      = "previewType"
	FieldPreviewOrg       = "previewOrg"
	FieldPreviewTimestamp = "previewTimestamp"
)

// Preview types.
const (
	PreviewTypeSource = "source"
	PreviewTypeSink   = "sink"
)

// PreviewEvent is a tapped telemetry payload: the tenant's own fields plus the
// tap metadata above.
type PreviewEvent map[string]any

// Component returns the tapped component id.
func (e PreviewEvent) Component() string { return e.str(FieldPreviewComponent) }

// Type returns "source" or "sink".
func (e PreviewEvent) Type() string { return e.str(FieldPreviewType) }

// Org returns the org the tap was injected for.
func (e PreviewEvent) Org() string { return e.str(FieldPreviewOrg) }

// Without returns a shallow copy lacking the given top-level fields.
func (e PreviewEvent) Without(fields ...string) PreviewEvent {
	out := make(PreviewEvent, len(e))
	for k, v := range e {
		out[k] = v
	}
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

func (e PreviewEvent) str(key string) string {
	v, _ := e[key].(string)
	return v
}
