package detect

import (
	"context"
	"log/slog"

	"github.com/llmshield/llmshield/internal/rules"
)

// EventSink receives one call per blocking verdict, before the verdict is
// returned to the caller.
type EventSink interface {
	Record(kind rules.DetectionKind, severity rules.Severity, reason string, details map[string]any, content string)
}

// ModelRuleSource supplies the per-model rule overlay. MergedRules returns
// the global rules merged with the model's associations, re-sorted by
// effective priority, or ok=false when no configuration exists for the model.
type ModelRuleSource interface {
	MergedRules(model string, snap *rules.Snapshot) (merged []*rules.SecurityRule, ok bool)
}

// Options configures the aggregator.
type Options struct {
	ContextAware   bool
	ModelSpecific  bool
	ContentMasking bool
	ModelRules     ModelRuleSource // required when ModelSpecific is set
	Custom         *CustomScanner  // nil disables the custom stage
	Events         EventSink       // nil disables event recording
}

// Detector runs the detection families in a fixed order per stage and
// returns the first blocking verdict.
type Detector struct {
	store  *rules.Store
	opts   Options
	logger *slog.Logger
}

// NewDetector creates the aggregator over a rule store.
func NewDetector(store *rules.Store, opts Options, logger *slog.Logger) *Detector {
	return &Detector{store: store, opts: opts, logger: logger}
}

// requestFamilies is the request-side evaluation order after the
// context-aware and model-specific stages.
var requestFamilies = []rules.Family{
	rules.FamilyPromptInjection,
	rules.FamilyJailbreak,
	rules.FamilyHarmfulContent,
	rules.FamilyCompliance,
}

// CheckRequest evaluates a parsed request body. history is the concatenated
// conversation history for the context-aware stage; empty disables it for
// this call.
func (d *Detector) CheckRequest(ctx context.Context, body map[string]any, model, history string) Result {
	text := RequestText(body)
	if text == "" {
		return Allowed()
	}
	snap := d.store.Snapshot()

	if d.opts.ContextAware && history != "" {
		for _, fam := range []rules.Family{rules.FamilyPromptInjection, rules.FamilyJailbreak} {
			if res := EvaluateRules(snap.Family(fam), history); !res.IsAllowed {
				res.Details["context_aware"] = true
				d.record("request", res, history)
				return res
			}
		}
	}

	if res := d.modelStage(snap, model, text); !res.IsAllowed {
		d.record("request", res, text)
		return res
	}

	for _, fam := range requestFamilies {
		if res := EvaluateRules(snap.Family(fam), text); !res.IsAllowed {
			d.record("request", res, text)
			return res
		}
	}

	if hits := SensitiveHits(snap.Sensitive(), text); len(hits) > 0 {
		d.record("request", hits[0], text)
		return hits[0]
	}

	if d.opts.Custom != nil {
		if res := d.opts.Custom.Scan(ctx, text); !res.IsAllowed {
			d.record("request", res, text)
			return res
		}
	}

	return Allowed()
}

// CheckResponse evaluates a response body. Streaming responses pass through
// without inspection. The returned hit list is non-empty only when content
// masking is enabled and sensitive information was found; the caller feeds it
// to the masker.
func (d *Detector) CheckResponse(ctx context.Context, body any, model string, streaming bool) (Result, []Result) {
	if streaming {
		return Allowed(), nil
	}
	text := ResponseText(body)
	if text == "" {
		return Allowed(), nil
	}
	snap := d.store.Snapshot()

	if res := d.modelStage(snap, model, text); !res.IsAllowed {
		d.record("response", res, text)
		return res, nil
	}

	for _, fam := range []rules.Family{rules.FamilyPromptInjection, rules.FamilyJailbreak} {
		if res := EvaluateRules(snap.Family(fam), text); !res.IsAllowed {
			d.record("response", res, text)
			return res, nil
		}
	}

	hits := SensitiveHits(snap.Sensitive(), text)
	if len(hits) > 0 && !d.opts.ContentMasking {
		d.record("response", hits[0], text)
		return hits[0], nil
	}

	for _, fam := range []rules.Family{rules.FamilyHarmfulContent, rules.FamilyCompliance} {
		if res := EvaluateRules(snap.Family(fam), text); !res.IsAllowed {
			d.record("response", res, text)
			return res, nil
		}
	}

	return Allowed(), hits
}

// modelStage evaluates the per-model rule overlay when one exists.
func (d *Detector) modelStage(snap *rules.Snapshot, model, text string) Result {
	if !d.opts.ModelSpecific || d.opts.ModelRules == nil || model == "" {
		return Allowed()
	}
	merged, ok := d.opts.ModelRules.MergedRules(model, snap)
	if !ok {
		return Allowed()
	}
	res := EvaluateRules(merged, text)
	if !res.IsAllowed {
		res.Details["model"] = model
	}
	return res
}

func (d *Detector) record(stage string, res Result, text string) {
	d.logger.Warn(stage+" blocked",
		"detection_type", string(res.DetectionKind),
		"severity", string(res.Severity),
		"reason", res.Reason,
	)
	if d.opts.Events != nil {
		d.opts.Events.Record(res.DetectionKind, res.Severity, res.Reason, res.Details, text)
	}
}
