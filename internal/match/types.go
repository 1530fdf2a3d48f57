package match

import "strings"

// Availability is an agent's current readiness for work.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// AgentProfile describes a candidate agent. Profiles are supplied per
// call; the matcher does not own agent identity.
type AgentProfile struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Type            string       `json:"type"`
	Capabilities    []string     `json:"capabilities"`
	Specializations []string     `json:"specializations"`
	Description     string       `json:"description"`
	Availability    Availability `json:"availability"`
	Performance     float64      `json:"performance"` // [0,1], EMA-updated
}

// documentText flattens the profile into the text embedded in document mode.
func (a AgentProfile) documentText() string {
	parts := []string{a.Name, a.Type, a.Description}
	parts = append(parts, a.Capabilities...)
	parts = append(parts, a.Specializations...)
	return strings.Join(parts, " ")
}

// Requirements is the matching input for a single task.
type Requirements struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	RequiredSkills []string `json:"required_skills"`
	Complexity     string   `json:"complexity"`
	Priority       string   `json:"priority"`
}

// queryText flattens the requirements into the text embedded in query mode.
func (r Requirements) queryText() string {
	parts := []string{r.Name, r.Description}
	parts = append(parts, r.RequiredSkills...)
	return strings.Join(parts, " ")
}

// Method records which path produced a match.
type Method string

const (
	MethodSemantic Method = "semantic"
	MethodFallback Method = "fallback"
)

// Result is a single agent recommendation.
type Result struct {
	AgentID    string  `json:"agent_id"`
	AgentName  string  `json:"agent_name"`
	Similarity float64 `json:"similarity"` // [0,1]
	Combined   float64 `json:"combined"`   // performance-weighted score
	Confidence float64 `json:"confidence"` // [0,1]
	Reason     string  `json:"reason"`
	Method     Method  `json:"method"`
}

// Outcome is the caller's report of how a confirmed match went.
type Outcome struct {
	Success bool    `json:"success"`
	Quality float64 `json:"quality"` // [0,1]
	Speed   float64 `json:"speed"`   // [0,1], 1 = faster than expected
}
