package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// StreamNDJSON encodes events from the subscription to w as
// newline-delimited JSON, one object per event, until the context is
// cancelled or the subscription closes. The encoding is the observer-facing
// wire format: every object carries at least type, execution_id, and ts.
func StreamNDJSON(ctx context.Context, sub *Subscription, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode event %s: %w", e.Type, err)
			}
		}
	}
}
