// Package ingest defines the external boundaries this repo does not
// originate: the chat-network listener that delivers RawMessages, and the
// sendMessage sink the Sender emits through. Both are interfaces at the
// edge of the core; the chat-network client library itself is out of
// scope per §1.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sourcewatch/sourcewatch/domain"
)

// Listener is implemented by the chat-network client. One Listener
// instance runs per ingestion session (§5: "one task per chat-network
// session").
type Listener interface {
	// Listen blocks, delivering messages to out until ctx is cancelled or
	// an unrecoverable error occurs.
	Listen(ctx context.Context, out chan<- domain.RawMessage) error
}

// Sender is the chat-network sendMessage endpoint the Sender component
// emits formatted summaries through.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// LogSender is a stub Sender that records every send in memory, used in
// tests — it never originates a network connection itself.
type LogSender struct {
	Sent []struct{ ChatID, Text string }
}

func (s *LogSender) Send(ctx context.Context, chatID, text string) error {
	s.Sent = append(s.Sent, struct{ ChatID, Text string }{chatID, text})
	return nil
}

// LoadChannelList reads a source-channel list file: one username per
// line, blank and '#'-prefixed lines ignored, per §6.
func LoadChannelList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: load channel list %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
