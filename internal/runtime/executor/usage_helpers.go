package executor

import (
	"context"
	"sync"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/usage"
	"github.com/tidwall/gjson"
)

type usageReporter struct {
	manager     *usage.Manager
	model       string
	project     string
	stream      bool
	requestedAt time.Time
	once        sync.Once
}

func newUsageReporter(manager *usage.Manager, model string, stream bool) *usageReporter {
	return &usageReporter{
		manager:     manager,
		model:       model,
		stream:      stream,
		requestedAt: time.Now(),
	}
}

func (r *usageReporter) setProject(project string) {
	if r != nil {
		r.project = project
	}
}

func (r *usageReporter) publish(ctx context.Context, detail usage.Detail) {
	r.publishWithOutcome(ctx, detail, nil)
}

func (r *usageReporter) publishFailure(ctx context.Context, err error) {
	r.publishWithOutcome(ctx, usage.Detail{}, err)
}

// trackFailure publishes a failed record when *errPtr is set on return.
func (r *usageReporter) trackFailure(ctx context.Context, errPtr *error) {
	if r == nil || errPtr == nil {
		return
	}
	if *errPtr != nil {
		r.publishFailure(ctx, *errPtr)
	}
}

// publishWithOutcome emits at most one record per request; the first call wins.
func (r *usageReporter) publishWithOutcome(ctx context.Context, detail usage.Detail, failure error) {
	if r == nil || r.manager == nil {
		return
	}
	if detail.TotalTokens == 0 {
		detail.TotalTokens = detail.InputTokens + detail.OutputTokens + detail.ReasoningTokens
	}
	r.once.Do(func() {
		record := usage.Record{
			Model:       r.model,
			Project:     r.project,
			Stream:      r.stream,
			RequestedAt: r.requestedAt,
			Latency:     time.Since(r.requestedAt),
			Detail:      detail,
		}
		if failure != nil {
			record.Failed = true
			record.ErrorKind = string(interfaces.KindOf(failure))
			if record.ErrorKind == "" && ctx.Err() != nil {
				record.ErrorKind = "CANCELLED"
			}
		}
		r.manager.Publish(ctx, record)
	})
}

func parseGeminiFamilyUsageDetail(node gjson.Result) usage.Detail {
	detail := usage.Detail{
		InputTokens:     node.Get("promptTokenCount").Int(),
		OutputTokens:    node.Get("candidatesTokenCount").Int(),
		ReasoningTokens: node.Get("thoughtsTokenCount").Int(),
		TotalTokens:     node.Get("totalTokenCount").Int(),
		CachedTokens:    node.Get("cachedContentTokenCount").Int(),
	}
	if detail.TotalTokens == 0 {
		detail.TotalTokens = detail.InputTokens + detail.OutputTokens + detail.ReasoningTokens
	}
	return detail
}

// parseGeminiCLIUsage reads usageMetadata from an enveloped or already unwrapped body.
func parseGeminiCLIUsage(data []byte) (usage.Detail, bool) {
	root := gjson.ParseBytes(data)
	for _, path := range []string{"response.usageMetadata", "response.usage_metadata", "usageMetadata"} {
		if node := root.Get(path); node.Exists() {
			return parseGeminiFamilyUsageDetail(node), true
		}
	}
	return usage.Detail{}, false
}
