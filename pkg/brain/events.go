package brain

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

// EventLog is the append-only decision log: one JSON object per line.
type EventLog struct {
	path string
	mu   sync.Mutex

	// subscribers receive every logged event, for `watch`.
	subscribers []chan types.Event
}

// NewEventLog creates an event log writing to path.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

// Log appends an event, stamping the timestamp.
func (l *EventLog) Log(source, action, reason string, details map[string]any) {
	event := types.Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Action:    action,
		Reason:    reason,
		Details:   details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLocked(event); err != nil {
		// The log is advisory; a full disk must not take down the node.
		fmt.Fprintf(os.Stderr, "event log write failed: %v\n", err)
	}
	for _, ch := range l.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events. Slow consumers drop
// events rather than block the logger.
func (l *EventLog) Subscribe() <-chan types.Event {
	ch := make(chan types.Event, 64)
	l.mu.Lock()
	l.subscribers = append(l.subscribers, ch)
	l.mu.Unlock()
	return ch
}

// List reads back the last limit events, optionally filtered by action.
// Malformed lines are skipped.
func (l *EventLog) List(limit int, actionFilter string) ([]types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if actionFilter != "" && event.Action != actionFilter {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *EventLog) appendLocked(event types.Event) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
