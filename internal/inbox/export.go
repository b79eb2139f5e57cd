package inbox

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var exportHeader = []string{"id", "agent_id", "channel", "status", "unread", "last_message_at", "counterpart"}

// Export writes the conversations on display as CSV.
func (e *Engine) Export(w io.Writer) error {
	snap := e.Snapshot()

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}
	for _, conv := range snap.Conversations {
		record := []string{
			conv.ID,
			conv.AgentID,
			string(conv.Channel),
			string(conv.Status),
			strconv.FormatBool(conv.Unread),
			conv.LastMessageAt.UTC().Format(time.RFC3339),
			conv.CounterpartName(),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
