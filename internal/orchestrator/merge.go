package orchestrator

import (
	"sort"
	"strings"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
)

// mergeContributions folds buffered guest messages plus the submitter's
// message into one outgoing request message. Sources are ordered by
// timestamp; trimmed contents are joined with a blank line, empty entries
// dropped. All other fields come from the temporally-last source.
func mergeContributions(sources []contribution) *protocol.Message {
	sorted := make([]contribution, len(sources))
	copy(sorted, sources)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].msg.Timestamp < sorted[j].msg.Timestamp
	})

	parts := make([]string, 0, len(sorted))
	requestIDs := make([]string, 0, len(sorted))
	for _, src := range sorted {
		requestIDs = append(requestIDs, src.requestID)
		content := strings.TrimSpace(src.msg.Content)
		if content == "" {
			continue
		}
		parts = append(parts, content)
	}

	last := sorted[len(sorted)-1].msg
	merged := *last
	merged.Content = strings.Join(parts, "\n\n")
	merged.IsMerged = true
	merged.MergedFromCount = len(sorted)
	merged.OriginalRequestIDs = requestIDs
	return &merged
}
