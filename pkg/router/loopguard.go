package router

import "strings"

// Repetition guard parameters. The guard fires only when the stream's tail
// is an unbroken run of one repeating unit, which is how stuck backends
// present: normal prose repeats phrases, but not back to back at the end
// of the buffer.
const (
	repeatScanEvery = 1500 // re-scan after this many new text bytes
	repeatUnitMin   = 24   // ignore units shorter than this (common phrases)
	repeatUnitMax   = 400  // longest unit worth trying
	repeatRuns      = 4    // consecutive copies needed to call it stuck
	repeatWindow    = 4096 // only the buffer tail is inspected
)

// repeatingTail reports whether text ends in at least repeatRuns
// back-to-back copies of some unit, and if so where the run begins. The
// caller truncates there and abandons the stream.
func repeatingTail(text string) (cut int, stuck bool) {
	tail := text
	if len(tail) > repeatWindow {
		tail = tail[len(tail)-repeatWindow:]
	}
	base := len(text) - len(tail)

	for size := repeatUnitMin; size <= repeatUnitMax; size++ {
		if size*repeatRuns > len(tail) {
			break
		}
		unit := tail[len(tail)-size:]
		rest := tail[:len(tail)-size]
		runs := 1
		for strings.HasSuffix(rest, unit) {
			runs++
			rest = rest[:len(rest)-size]
		}
		if runs >= repeatRuns {
			return base + len(rest), true
		}
	}
	return 0, false
}
