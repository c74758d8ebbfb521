package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/mwynn/mnemod/transcript"
)

// maybeCompact summarizes the un-summarized tail of a thread once it
// crosses either threshold, inserting one summary marker. Turns before the
// most recent marker are never fed back into a summary. Any failure leaves
// the transcript untouched.
func (o *Orchestrator) maybeCompact(ctx context.Context, threadID string) bool {
	if o.summarizer == nil {
		return false
	}
	tail, err := o.transcripts.TailSinceLastSummary(ctx, threadID)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Compaction: tail read failed")
		return false
	}

	chars := 0
	for _, t := range tail {
		chars += len(t.Content)
	}
	if len(tail) < o.thresholds.CompactEveryTurns && chars < o.thresholds.CompactAfterChars {
		return false
	}

	window := tail
	if len(window) > o.thresholds.CompactWindowTurns {
		window = window[len(window)-o.thresholds.CompactWindowTurns:]
	}
	summary, err := o.summarizer.Summarize(ctx, renderWindow(window))
	if err != nil {
		o.logger.Warn().Err(err).Msg("Compaction: summarization failed, leaving transcript as is")
		return false
	}
	if err := o.transcripts.InsertSummaryMarker(ctx, threadID, summary); err != nil {
		o.logger.Warn().Err(err).Msg("Compaction: marker insert failed")
		return false
	}
	o.logger.Info().
		Str("thread", threadID).
		Int("turns", len(window)).
		Msg("Transcript compacted")
	return true
}

func renderWindow(turns []transcript.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		label := t.Role
		if len(label) > 0 {
			label = strings.ToUpper(label[:1]) + label[1:]
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Content)
	}
	return b.String()
}
