// Package progress maps pipeline position to a job's percentage.
//
// Percentages follow fixed bands per stage, not wall-clock estimates. The sequence of values reported for one job never decreases, and 100 is only
// reported once every language has reached a terminal outcome.
package progress

import "fmt"

// Stage is a checkpoint in a job's pipeline.
type Stage int

const (
	Queued Stage = iota
	Downloading
	// LanguageStarted marks the beginning of language i.
	LanguageStarted
	// LanguageDubbed marks language i's dubbed audio being available.
	LanguageDubbed
	// LanguageFinished marks language i reaching a terminal outcome.
	LanguageFinished
	Finalizing
	Done
)

// Policy holds the band anchors. Values must be strictly increasing with Done at 100.
type Policy struct {
	Downloading int
	LoopStart   int
	LoopEnd     int
	Finalizing  int
	Done        int
}

// Default is the banding used by the server.
var Default = Policy{
	Downloading: 10,
	LoopStart:   30,
	LoopEnd:     70,
	Finalizing:  90,
	Done:        100,
}

// Validate checks that the anchors are ordered and end at 100.
func (p Policy) Validate() error {
	anchors := []int{0, p.Downloading, p.LoopStart, p.LoopEnd, p.Finalizing, p.Done}
	for i := 1; i < len(anchors); i++ {
		if anchors[i] <= anchors[i-1] {
			return fmt.Errorf("progress anchors must be strictly increasing, got %v", anchors[1:])
		}
	}
	if p.Done != 100 {
		return fmt.Errorf("progress Done anchor must be 100, got %d", p.Done)
	}
	return nil
}

// Progress returns the percentage for stage. languageIndex and totalLanguages
// are only consulted for the per-language stages; an out-of-range index is clamped.
func (p Policy) Progress(stage Stage, languageIndex, totalLanguages int) int {
	switch stage {
	case Queued:
		return 0
	case Downloading:
		return p.Downloading
	case LanguageStarted:
		return p.band(2*languageIndex, totalLanguages)
	case LanguageDubbed:
		return p.band(2*languageIndex+1, totalLanguages)
	case LanguageFinished:
		return p.band(2*languageIndex+2, totalLanguages)
	case Finalizing:
		return p.Finalizing
	case Done:
		return p.Done
	}
	return 0
}

// band interpolates half-steps across the per-language band: language i starts
// at half-step 2i and finishes at 2i+2, so the start of language i equals
// LoopStart + floor(i/n * width).
func (p Policy) band(halfSteps, totalLanguages int) int {
	if totalLanguages <= 0 {
		return p.LoopEnd
	}
	limit := 2 * totalLanguages
	if halfSteps < 0 {
		halfSteps = 0
	}
	if halfSteps > limit {
		halfSteps = limit
	}
	width := p.LoopEnd - p.LoopStart
	return p.LoopStart + halfSteps*width/limit
}

// Progress computes a percentage with the Default policy.
func Progress(stage Stage, languageIndex, totalLanguages int) int {
	return Default.Progress(stage, languageIndex, totalLanguages)
}
