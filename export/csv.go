// Package export renders stored samples for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/FlowingSPDG/stream-monitor/streams"
)

var statsHeader = []string{"id", "stream_id", "collected_at", "viewer_count", "chat_rate_1min"}

// WriteStatsCSV writes rows as CSV with a header line. Timestamps are RFC 3339
// in UTC and an unknown viewer count is written as 0.
func WriteStatsCSV(w io.Writer, rows []streams.StatRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(statsHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	rec := make([]string, len(statsHeader))
	for _, r := range rows {
		var viewers int64
		if r.ViewerCount != nil {
			viewers = *r.ViewerCount
		}
		rec[0] = strconv.FormatInt(r.ID, 10)
		rec[1] = strconv.FormatInt(r.StreamID, 10)
		rec[2] = r.CollectedAt.UTC().Format(time.RFC3339)
		rec[3] = strconv.FormatInt(viewers, 10)
		rec[4] = strconv.FormatInt(r.ChatRate1Min, 10)
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row %d: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
