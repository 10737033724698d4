package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Remote candidates that arrived before the remote description. They are applied in the order
// of arrival once the description is set. Exact repeats of a pending candidate are dropped,
// nothing else is deduplicated or reordered.
type candidateQueue struct {
	pending []webrtc.ICECandidateInit
	keys    map[string]struct{}
}

func candidateKey(candidate webrtc.ICECandidateInit) string {
	mid, index, ufrag := "", "", ""
	if candidate.SDPMid != nil {
		mid = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		index = fmt.Sprint(*candidate.SDPMLineIndex)
	}
	if candidate.UsernameFragment != nil {
		ufrag = *candidate.UsernameFragment
	}

	return candidate.Candidate + "|" + mid + "|" + index + "|" + ufrag
}

// Returns `false` if the very same candidate is already waiting.
func (q *candidateQueue) push(candidate webrtc.ICECandidateInit) bool {
	if q.keys == nil {
		q.keys = make(map[string]struct{})
	}

	key := candidateKey(candidate)
	if _, ok := q.keys[key]; ok {
		return false
	}

	q.keys[key] = struct{}{}
	q.pending = append(q.pending, candidate)
	return true
}

// Takes all the pending candidates out of the queue.
func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	pending := q.pending
	q.clear()
	return pending
}

func (q *candidateQueue) clear() {
	q.pending = nil
	q.keys = nil
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}
