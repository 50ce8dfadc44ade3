package venues

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/domain/venue"
)

// proximityRadiusMeters bounds coordinate distance for two listings to count
// as the same address when street numbers are unavailable.
const proximityRadiusMeters = 200.0

// Filler words platforms append to listings; they carry no identity.
var fillerWords = map[string]bool{
	"the":        true,
	"restaurant": true,
	"nyc":        true,
	"ny":         true,
}

// nameTransform folds width variants, decomposes accented characters and
// strips the combining marks, so "Café" and "Cafe" tokenize identically.
var nameTransform = transform.Chain(
	width.Fold,
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

var caseFolder = cases.Fold()

// nameTokens normalizes a display name into comparable identity tokens
func nameTokens(name string) []string {
	folded, _, err := transform.String(nameTransform, name)
	if err != nil {
		folded = name
	}
	folded = caseFolder.String(folded)
	folded = strings.ReplaceAll(folded, "'s", "")
	folded = strings.ReplaceAll(folded, "’s", "")

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	tokens := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		if words[i] == "new" && i+1 < len(words) && words[i+1] == "york" {
			i++
			continue
		}
		if fillerWords[words[i]] {
			continue
		}
		tokens = append(tokens, words[i])
	}
	return tokens
}

// nameSimilarity scores two token lists with the overlap coefficient: full
// containment in either direction scores 1, mirroring how platforms append
// branding suffixes without changing identity.
func nameSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if set[t] && !seen[t] {
			shared++
			seen[t] = true
		}
	}
	min := len(uniq(a))
	if n := len(uniq(b)); n < min {
		min = n
	}
	return float64(shared) / float64(min)
}

func uniq(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// addressCompatible gates a candidate on address proximity. The gate only
// binds when both sides carry the signal: street numbers must match when
// both are present, otherwise coordinates must fall within the radius when
// both are known.
func addressCompatible(v *venue.CanonicalVenue, c booking.VenueCandidate) bool {
	srcNum := v.StreetNumber()
	candNum := venue.CandidateStreetNumber(c)
	if srcNum != "" && candNum != "" {
		return srcNum == candNum
	}
	if v.Lat != 0 && v.Lng != 0 && c.Lat != 0 && c.Lng != 0 {
		return haversineMeters(v.Lat, v.Lng, c.Lat, c.Lng) <= proximityRadiusMeters
	}
	return true
}

// scoreCandidates picks the best address-compatible candidate. The returned
// confidence is the winner's name similarity; ok is false when nothing
// clears the threshold. Iteration order makes ties deterministic: the first
// candidate at a given score wins.
func scoreCandidates(v *venue.CanonicalVenue, candidates []booking.VenueCandidate, threshold float64) (booking.VenueCandidate, float64, bool) {
	src := nameTokens(v.Name)
	best := -1
	bestScore := 0.0

	for i, c := range candidates {
		if !addressCompatible(v, c) {
			continue
		}
		score := nameSimilarity(src, nameTokens(c.Name))
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	if best < 0 || bestScore < threshold {
		return booking.VenueCandidate{}, bestScore, false
	}
	return candidates[best], bestScore, true
}

const earthRadiusMeters = 6371000.0

// haversineMeters returns the great-circle distance between two coordinates
func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
