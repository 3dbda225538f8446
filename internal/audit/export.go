package audit

import (
	"encoding/csv"
	"io"
	"time"
)

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []TimelineRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"occurred_at", "actor", "action", "entity", "entity_id", "changes"}); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{r.At.UTC().Format(time.RFC3339), r.Actor, r.Action, r.Entity, r.EntityID, r.Changes()}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
