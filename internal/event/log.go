package event

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/Iron-Ham/orchard/internal/errors"
)

// ReadLog reads a JSONL event log and returns its events in file order.
// Lines that fail to parse are skipped; a partially written final line
// (interrupted process) is therefore tolerated rather than fatal.
func ReadLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStoreError("event log not found", errors.ErrPlanNotFound)
		}
		return nil, errors.NewStoreError("open event log", err)
	}
	defer f.Close()
	return DecodeLog(f)
}

// DecodeLog decodes a JSONL event stream from r.
func DecodeLog(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, errors.NewStoreError("read event log", err)
	}
	return events, nil
}

// FilterByType returns the events matching any of the given types,
// preserving order. With no types it returns the input unchanged.
func FilterByType(events []Event, types ...Type) []Event {
	if len(types) == 0 {
		return events
	}
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// FilterAfter returns the events with ID greater than afterID.
func FilterAfter(events []Event, afterID uint64) []Event {
	var out []Event
	for _, e := range events {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out
}
