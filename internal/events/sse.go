package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WriteSSE renders ev as one server-sent event frame.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// Stream writes an initial ping and then every event from sub until the
// subscription ends or ctx is done. Idle streams get a ping every keepAlive
// when keepAlive is positive.
func Stream(ctx context.Context, w io.Writer, flusher http.Flusher, sub *Subscription, keepAlive time.Duration) error {
	defer sub.Close()

	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	ping := func() error {
		if err := WriteSSE(w, Event{Type: EventPing, Key: sub.Key, Timestamp: time.Now().UTC()}); err != nil {
			return err
		}
		flush()
		return nil
	}

	if err := ping(); err != nil {
		return err
	}

	var tick <-chan time.Time
	if keepAlive > 0 {
		t := time.NewTicker(keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := ping(); err != nil {
				return err
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := WriteSSE(w, ev); err != nil {
				return err
			}
			flush()
		}
	}
}
