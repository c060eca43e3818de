package survey

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// InSample reports whether a guest falls inside a survey's sampling
// percentage. The decision hashes (guestID, surveyID), so it is
// deterministic: re-evaluating the same pair always lands on the same
// side, and the same guest can land differently across surveys.
func InSample(guestID, surveyID uuid.UUID, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}

	h := fnv.New32a()
	h.Write(guestID[:])
	h.Write(surveyID[:])
	return int(h.Sum32()%100) < percent
}
