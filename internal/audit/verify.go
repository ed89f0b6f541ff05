package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// VerifyResult reports the outcome of an end-to-end chain check.
type VerifyResult struct {
	OK         bool
	Count      int // complete entries verified before the first error
	FirstError string
}

// Verify re-walks the audit file, recomputing every entry's hash and
// checking the prev_hash linkage. It stops at the first broken line.
// A trailing partial line (no newline) is tolerated and not counted.
func Verify(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	res := VerifyResult{OK: true}
	prev := GenesisHash
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			res.OK = false
			res.FirstError = fmt.Sprintf("line %d: unparsable entry: %v", lineNo, err)
			return res, nil
		}
		if e.PrevHash != prev {
			res.OK = false
			res.FirstError = fmt.Sprintf("line %d: prev_hash mismatch: stored %s, expected %s", lineNo, e.PrevHash, prev)
			return res, nil
		}
		computed, err := ComputeHash(&e)
		if err != nil {
			return res, err
		}
		if computed != e.Hash {
			res.OK = false
			res.FirstError = fmt.Sprintf("line %d: hash mismatch: computed %s, stored %s", lineNo, computed, e.Hash)
			return res, nil
		}
		prev = e.Hash
		res.Count++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan audit log: %w", err)
	}
	return res, nil
}

// Tail returns up to n most recent complete entries, oldest first.
func Tail(path string, n int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		events = append(events, e)
		if n > 0 && len(events) > n {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}
