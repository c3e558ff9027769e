package llm

import (
	"strings"

	"github.com/ai-ustad/ustad-chat/internal/model"
)

// Sentinel phrases the system instruction asks the model to emit.
const (
	DocumentMarker      = "Based on the document:"
	NotInDocumentMarker = "This information does not appear in the provided document."
)

// State is the reconciliation state of one stream.
type State string

const (
	StateStreaming      State = "STREAMING"
	StateComplete       State = "COMPLETE"
	StateTruncated      State = "TRUNCATED"
	StateEmptyTruncated State = "EMPTY_TRUNCATED"
)

// Terminal reports whether no further events are expected.
func (s State) Terminal() bool {
	return s != StateStreaming
}

var acceptedFinishReasons = map[string]struct{}{
	"STOP":       {},
	"MAX_TOKENS": {},
	"SAFETY":     {},
	"END_TURN":   {},
	"RECITATION": {},
}

// markerOverlap is how far back a scan must start so that a marker split
// across fragments is still found.
var markerOverlap = max(len(DocumentMarker), len(NotInDocumentMarker)) - 1

// Reconciler folds stream events into accumulated text, provenance flags,
// citations and a terminal state. It is not safe for concurrent use.
type Reconciler struct {
	text          strings.Builder
	scanned       int
	state         State
	fromDocument  bool
	notInDocument bool
	sources       []model.Source
	finishReason  string
}

// NewReconciler returns a reconciler in the STREAMING state.
func NewReconciler() *Reconciler {
	return &Reconciler{state: StateStreaming}
}

// Apply consumes one event and returns the text fragment it contributed,
// which the caller forwards. Events after a terminal state are ignored.
func (r *Reconciler) Apply(ev *GenerateResponse) string {
	if r.state.Terminal() || ev == nil || len(ev.Candidates) == 0 {
		return ""
	}
	cand := ev.Candidates[0]

	var raw strings.Builder
	for _, p := range cand.Content.Parts {
		raw.WriteString(p.Text)
	}
	fragment := sanitizeFragment(raw.String())
	if fragment != "" {
		r.text.WriteString(fragment)
		r.scanMarkers()
	}

	if _, ok := acceptedFinishReasons[cand.FinishReason]; ok {
		r.finishReason = cand.FinishReason
		r.state = StateComplete
		if r.notInDocument && len(r.sources) == 0 {
			r.sources = extractSources(cand.GroundingMetadata)
		}
	}
	return fragment
}

// Finish closes the stream. A stream that ended without an accepted finish
// reason is TRUNCATED, or EMPTY_TRUNCATED when no text arrived.
func (r *Reconciler) Finish() State {
	if r.state == StateStreaming {
		if r.text.Len() > 0 {
			r.state = StateTruncated
		} else {
			r.state = StateEmptyTruncated
		}
	}
	return r.state
}

// State returns the current state.
func (r *Reconciler) State() State { return r.state }

// Text returns the accumulated text.
func (r *Reconciler) Text() string { return r.text.String() }

func (r *Reconciler) FromDocument() bool { return r.fromDocument }

func (r *Reconciler) NotInDocument() bool { return r.notInDocument }

func (r *Reconciler) FinishReason() string { return r.finishReason }

// Sources returns a copy of the captured citations.
func (r *Reconciler) Sources() []model.Source {
	out := make([]model.Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// scanMarkers searches the cumulative text from just before the previous
// scan end. Flags only ever go from false to true.
func (r *Reconciler) scanMarkers() {
	text := r.text.String()
	from := max(r.scanned-markerOverlap, 0)
	window := text[from:]

	if !r.fromDocument && strings.Contains(window, DocumentMarker) {
		r.fromDocument = true
	}
	if !r.notInDocument && strings.Contains(window, NotInDocumentMarker) {
		r.notInDocument = true
	}
	r.scanned = len(text)
}

// extractSources prefers grounding attributions and falls back to grounding
// chunks. Entries without both uri and title are dropped.
func extractSources(gm *GroundingMetadata) []model.Source {
	if gm == nil {
		return nil
	}
	var webs []*WebSource
	for _, a := range gm.GroundingAttributions {
		webs = append(webs, a.Web)
	}
	if len(webs) == 0 {
		for _, c := range gm.GroundingChunks {
			webs = append(webs, c.Web)
		}
	}

	var out []model.Source
	for _, w := range webs {
		if w == nil || w.URI == "" || w.Title == "" {
			continue
		}
		out = append(out, model.Source{URI: w.URI, Title: w.Title})
	}
	return out
}

// sanitizeFragment drops tool_code and thought blocks that the model
// sometimes leaks into grounded answers. A block is a paragraph that starts
// with the bare word on its own line; prose that merely begins with the word
// is kept.
func sanitizeFragment(s string) string {
	if !strings.Contains(s, "tool_code") && !strings.Contains(s, "thought") {
		return s
	}
	paras := strings.Split(s, "\n\n")
	kept := paras[:0]
	for _, p := range paras {
		if isArtifactBlock(p, "tool_code") || isArtifactBlock(p, "thought") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

func isArtifactBlock(p, word string) bool {
	if !strings.HasPrefix(p, word) {
		return false
	}
	rest := p[len(word):]
	return strings.HasPrefix(rest, "\n") || strings.HasPrefix(rest, "\r\n")
}
