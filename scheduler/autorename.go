package scheduler

import (
	"fmt"
	"strings"
)

// AutorenamePhase indexes into the deterministic candidate-name
// sequence spec.md §4.7 step 4 names: "a deterministic phase function
// (phase, original) -> candidate; the phase advances until exhausted".
type AutorenamePhase int

const maxAutorenamePhase = 100

// NextAutorenameCandidate returns the name to try at phase for original,
// and whether the sequence is exhausted. Phase 0 appends " (2)", phase 1
// " (3)", and so on through maxAutorenamePhase, after which the caller
// should give up with UploadCrDirAutoRenFailed/UploadFileAutorenFailed.
// Grounded on rclone's `operations.dedupeRename`-style numbered-suffix
// scheme, adapted to a stateless phase function per spec.md's
// "deterministic phase function" wording rather than rclone's
// listing-driven loop.
func NextAutorenameCandidate(phase AutorenamePhase, original string) (candidate string, exhausted bool) {
	if phase >= maxAutorenamePhase {
		return "", true
	}
	base, ext := splitExt(original)
	suffix := fmt.Sprintf(" (%d)", phase+2)
	if ext == "" {
		return base + suffix, false
	}
	return base + suffix + ext, false
}

func splitExt(name string) (base, ext string) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return name, ""
	}
	return name[:dot], name[dot:]
}
