package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"auth":    {"device_desc", "token_file"},
	"storage": {"auth_url", "storage_url", "discovery_url", "discover"},
	"upload":  {"parallel", "max_file_size"},
	"watch":   {"debounce"},
	"index":   {"path"},
	"logging": {"log_level", "log_format"},
	"network": {"timeout", "user_agent"},
}

// knownSections is the sorted section list, for deterministic suggestions.
var knownSections = func() []string {
	s := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		s = append(s, k)
	}

	slices.Sort(s)

	return s
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		if err := unknownKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. Top-level keys and unknown
// sections get a section suggestion; keys inside a known section get a key
// suggestion from that section.
func unknownKeyError(key toml.Key) error {
	section := key[0]

	keys, ok := knownKeys[section]
	if !ok || len(key) == 1 {
		if ok {
			return fmt.Errorf("config key %q must be a [%s] table", section, section)
		}

		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config key %q; did you mean [%s]?", key.String(), s)
		}

		return fmt.Errorf("unknown config key %q", key.String())
	}

	field := key[1]
	if s := closestMatch(field, keys); s != "" {
		return fmt.Errorf("unknown config key %q; did you mean %q?", key.String(), section+"."+s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
