package backend

// MinOverlapRatio is the share of an utterance a speaker turn must cover to
// be considered for it.
const MinOverlapRatio = 0.2

// AssignSpeakers labels every segment and word of result with the speaker
// turn that qualifies by overlap and covers the largest share of its own
// duration. Items without a qualifying turn keep an empty speaker. result is
// not modified.
func AssignSpeakers(d *Diarization, result *StageResult) *StageResult {
	out := result.Clone()
	if out == nil || d == nil || len(d.Turns) == 0 {
		return out
	}
	for i := range out.Segments {
		seg := &out.Segments[i]
		seg.Speaker = bestSpeaker(d.Turns, seg.Start, seg.End)
		for j := range seg.Words {
			w := &seg.Words[j]
			w.Speaker = bestSpeaker(d.Turns, w.Start, w.End)
		}
	}
	return out
}

func bestSpeaker(turns []SpeakerTurn, start, end float64) string {
	duration := end - start
	if duration <= 0 {
		return ""
	}

	best, bestRatio := "", 0.0
	for _, t := range turns {
		overlap := min(end, t.End) - max(start, t.Start)
		if overlap <= 0 || overlap/duration < MinOverlapRatio {
			continue
		}
		turnRatio := 0.0
		if span := t.End - t.Start; span > 0 {
			turnRatio = overlap / span
		}
		if turnRatio > bestRatio {
			best, bestRatio = t.Speaker, turnRatio
		}
	}
	return best
}
