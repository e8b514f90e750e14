// Package telephony implements the call-control tools: blind and attended
// transfer, hangup with end-of-call guardrails, voicemail handoff, and the
// transcript request. All of them act through the ARI client and the shared
// session store carried in the execution context.
package telephony

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// destination match.
const fuzzyThreshold = 0.88

// destinationAliases maps common spoken destination words to candidate
// catalog terms. Matched against destination keys and descriptions.
var destinationAliases = map[string][]string{
	"sales":       {"sales"},
	"support":     {"support", "tech"},
	"agent":       {"agent", "human", "representative", "rep", "person", "operator"},
	"human":       {"agent", "human", "representative", "rep", "person", "operator"},
	"real person": {"agent", "human", "representative", "rep", "person", "operator"},
	"live agent":  {"agent", "human", "representative", "rep", "person", "operator"},
}

// resolveDestination maps the model's spoken destination to a catalog entry.
// Resolution tries, in order: exact key, case-insensitive key, target match,
// substring against key and description, the alias table, and finally a
// fuzzy key match. Ambiguous alias hits prefer keys with an "_agent" suffix.
func resolveDestination(cfg config.TransferConfig, spoken string) (key string, dest config.TransferDestination, err error) {
	if len(cfg.Destinations) == 0 {
		return "", dest, fmt.Errorf("no transfer destinations configured")
	}
	if d, ok := cfg.Destinations[spoken]; ok {
		return spoken, d, nil
	}

	lowered := strings.ToLower(strings.TrimSpace(spoken))
	if lowered == "" {
		return "", dest, fmt.Errorf("empty destination")
	}

	keys := make([]string, 0, len(cfg.Destinations))
	for k := range cfg.Destinations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.ToLower(k) == lowered {
			return k, cfg.Destinations[k], nil
		}
	}
	for _, k := range keys {
		if cfg.Destinations[k].Target == spoken {
			return k, cfg.Destinations[k], nil
		}
	}
	for _, k := range keys {
		d := cfg.Destinations[k]
		if strings.Contains(strings.ToLower(k), lowered) ||
			strings.Contains(lowered, strings.ToLower(k)) ||
			(d.Description != "" && strings.Contains(strings.ToLower(d.Description), lowered)) {
			return k, d, nil
		}
	}

	if terms, ok := destinationAliases[lowered]; ok {
		var hits []string
		for _, k := range keys {
			d := cfg.Destinations[k]
			for _, term := range terms {
				if strings.Contains(strings.ToLower(k), term) ||
					strings.Contains(strings.ToLower(d.Description), term) {
					hits = append(hits, k)
					break
				}
			}
		}
		switch len(hits) {
		case 0:
		case 1:
			return hits[0], cfg.Destinations[hits[0]], nil
		default:
			for _, k := range hits {
				if strings.HasSuffix(k, "_agent") {
					return k, cfg.Destinations[k], nil
				}
			}
			return hits[0], cfg.Destinations[hits[0]], nil
		}
	}

	// Fuzzy match catches near-miss transcriptions ("salles", "suport").
	bestKey, bestScore := "", 0.0
	for _, k := range keys {
		if score := matchr.JaroWinkler(lowered, strings.ToLower(k), true); score > bestScore {
			bestKey, bestScore = k, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return bestKey, cfg.Destinations[bestKey], nil
	}

	return "", dest, fmt.Errorf("unknown transfer destination %q", spoken)
}

// dialEndpoint derives the channel endpoint for a destination: an explicit
// dial string wins, otherwise "<technology>/<target>" with PJSIP as the
// default technology.
func dialEndpoint(cfg config.TransferConfig, dest config.TransferDestination) string {
	if dest.DialString != "" {
		return dest.DialString
	}
	tech := cfg.Technology
	if tech == "" {
		tech = "PJSIP"
	}
	return tech + "/" + dest.Target
}

// destinationName returns the spoken name for a destination.
func destinationName(key string, dest config.TransferDestination) string {
	if dest.Description != "" {
		return dest.Description
	}
	return strings.ReplaceAll(key, "_", " ")
}
