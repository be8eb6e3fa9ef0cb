package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ent0n29/memories/internal/agentapi"
	"github.com/ent0n29/memories/internal/queue"
)

func writeQueue(w io.Writer, items []queue.QueuedMemory, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tTYPE\tSTATUS\tCAPTURED\tMEDIA\tTRIES\tPREVIEW")
	for _, item := range items {
		view := agentapi.NewQueueItem(item)
		status := view.Status
		if view.ErrorCode != "" {
			status += " (" + view.ErrorCode + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			view.LocalID,
			view.MemoryType,
			status,
			humanize.RelTime(view.CapturedAt, now, "ago", "from now"),
			mediaSummary(item),
			view.RetryCount,
			view.Preview,
		)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%s waiting\n", humanize.Comma(int64(len(items))))
}

// mediaSummary counts attachments and their size on disk; files that are
// gone are not counted.
func mediaSummary(item queue.QueuedMemory) string {
	paths := append(append([]string{}, item.PhotoPaths...), item.VideoPaths...)
	if item.AudioPath != nil && *item.AudioPath != "" {
		paths = append(paths, *item.AudioPath)
	}
	if len(paths) == 0 {
		return "-"
	}
	var total uint64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += uint64(info.Size())
		}
	}
	parts := make([]string, 0, 3)
	if n := len(item.PhotoPaths); n > 0 {
		parts = append(parts, fmt.Sprintf("%dp", n))
	}
	if n := len(item.VideoPaths); n > 0 {
		parts = append(parts, fmt.Sprintf("%dv", n))
	}
	if item.AudioPath != nil && *item.AudioPath != "" {
		parts = append(parts, "a")
	}
	return strings.Join(parts, "+") + " " + humanize.Bytes(total)
}
