package models

// Stage is the logical position of the browsing context in the challenge
// flow. Stages only move forward during a run.
type Stage int

const (
	StageUnauthenticated Stage = iota
	StageAuthenticated
	StageChallengeEntry
	StageJourneyStarted
	StageSearchContinued
	StageInventory
)

var stageNames = map[Stage]string{
	StageUnauthenticated: "unauthenticated",
	StageAuthenticated:   "authenticated",
	StageChallengeEntry:  "challenge_entry",
	StageJourneyStarted:  "journey_started",
	StageSearchContinued: "search_continued",
	StageInventory:       "inventory",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
