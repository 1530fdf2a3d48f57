package match

import (
	"math"
	"strings"
)

// skillOverlap scores how well an agent's capability and specialization
// tags cover the required skills. Blends a Jaccard-style overlap ratio
// with required-skill coverage; partial substring matches count at a
// reduced weight.
func skillOverlap(required []string, agent AgentProfile) float64 {
	if len(required) == 0 {
		return 0
	}

	tags := make(map[string]bool, len(agent.Capabilities)+len(agent.Specializations))
	for _, t := range agent.Capabilities {
		tags[strings.ToLower(t)] = true
	}
	for _, t := range agent.Specializations {
		tags[strings.ToLower(t)] = true
	}
	haystack := strings.ToLower(agent.documentText())

	var matched int
	var weighted float64
	for _, skill := range required {
		s := strings.ToLower(skill)
		if tags[s] {
			matched++
			weighted += 1.0
		} else if strings.Contains(haystack, s) {
			matched++
			weighted += 0.7 // partial substring match
		}
	}
	if matched == 0 {
		return 0
	}

	overlap := float64(matched)
	union := float64(len(required) + len(tags) - matched)
	jaccard := overlap / math.Max(union, 1)

	coverage := weighted / float64(len(required))

	return 0.4*jaccard + 0.6*coverage
}
