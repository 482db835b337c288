// ABOUTME: One-shot bounded session fetch over the streaming transport
// ABOUTME: Dial, handshake, single sessions.list, close — all within a deadline

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/clawboard/internal/protocol"
)

// FetchSessions performs a complete handshake and a single sessions.list
// request within the given timeout, then closes the transport. A timeout is
// a normal failure surfaced as an error; any partially open connection is
// closed before returning.
func FetchSessions(ctx context.Context, cfg ConnConfig, timeout time.Duration) ([]protocol.SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetching sessions: %w", ctx.Err())
		case ev, ok := <-conn.Events():
			if !ok {
				return nil, fmt.Errorf("gateway connection closed before sessions arrived")
			}
			switch ev.Kind {
			case KindReady:
				if err := conn.RequestSessions(ctx); err != nil {
					return nil, fmt.Errorf("requesting sessions: %w", err)
				}
			case KindSessions:
				return ev.Sessions, nil
			case KindError:
				return nil, fmt.Errorf("fetching sessions: %w", ev.Err)
			}
		}
	}
}
