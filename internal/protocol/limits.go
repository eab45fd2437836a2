package protocol

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// emptyHistoryField is what an empty History adds to a payload once set.
const emptyHistoryField = len(`,"history":""`)

// EncodedSize returns the payload length v would occupy in a frame.
func EncodedSize(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Fits reports whether resp encodes within maxFrame bytes. A non-positive
// maxFrame means DefaultMaxFrameBytes.
func Fits(resp Response, maxFrame int) bool {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	n, err := EncodedSize(resp)
	return err == nil && n <= maxFrame
}

// FitMessage shortens resp.Message at a rune boundary until resp fits in
// maxFrame bytes. It reports whether the message was cut.
func FitMessage(resp Response, maxFrame int) (Response, bool) {
	if Fits(resp, maxFrame) {
		return resp, false
	}
	full := resp.Message
	cuts := make([]int, 0, utf8.RuneCountInString(full)+1)
	for i := range full {
		cuts = append(cuts, i)
	}
	cuts = append(cuts, len(full))

	// cuts[lo] always fits, cuts[hi] never does.
	lo, hi := 0, len(cuts)-1
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		resp.Message = full[:cuts[mid]]
		if Fits(resp, maxFrame) {
			lo = mid
		} else {
			hi = mid
		}
	}
	resp.Message = full[:cuts[lo]]
	return resp, true
}

// FitHistory keeps the newest lines of resp.History that let resp fit in
// maxFrame bytes. When lines are dropped HistoryStatus becomes
// HistoryTruncated.
func FitHistory(resp Response, maxFrame int) Response {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	if Fits(resp, maxFrame) {
		return resp
	}

	lines := strings.Split(resp.History, "\n")
	resp.History = ""
	resp.HistoryStatus = HistoryTruncated
	base, err := EncodedSize(resp)
	if err != nil {
		return resp
	}
	budget := maxFrame - base - emptyHistoryField

	used, start := 0, len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		cost := escapedLen(lines[i])
		if i != len(lines)-1 {
			cost += len(`\n`)
		}
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	resp.History = strings.Join(lines[start:], "\n")
	return resp
}

// escapedLen is the length of s inside a JSON string literal.
func escapedLen(s string) int {
	data, _ := json.Marshal(s)
	return len(data) - 2
}
