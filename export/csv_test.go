package export

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/FlowingSPDG/stream-monitor/streams"
)

func TestWriteStatsCSV(t *testing.T) {
	v := int64(42)
	rows := []streams.StatRow{
		{ID: 1, StreamID: 7, CollectedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), ViewerCount: &v, ChatRate1Min: 3},
		{ID: 2, StreamID: 7, CollectedAt: time.Date(2024, 6, 1, 21, 1, 0, 0, time.FixedZone("JST", 9*3600))},
	}
	var buf bytes.Buffer
	if err := WriteStatsCSV(&buf, rows); err != nil {
		t.Fatalf("WriteStatsCSV() error: %v", err)
	}
	want := "id,stream_id,collected_at,viewer_count,chat_rate_1min\n" +
		"1,7,2024-06-01T12:00:00Z,42,3\n" +
		"2,7,2024-06-01T12:01:00Z,0,0\n"
	if got := buf.String(); got != want {
		t.Errorf("WriteStatsCSV() =\n%s\nwant\n%s", got, want)
	}
}

func TestWriteStatsCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStatsCSV(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "id,stream_id,collected_at,viewer_count,chat_rate_1min\n" {
		t.Errorf("empty export = %q", got)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteStatsCSVWriteError(t *testing.T) {
	if err := WriteStatsCSV(failWriter{}, []streams.StatRow{{ID: 1}}); err == nil {
		t.Error("expected error from failing writer")
	}
}
