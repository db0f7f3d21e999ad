package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Search-variant generation widens a job search along documented axes:
// radius first, then title synonyms, then skills as titles. The output is
// deterministic and strictly sorted by priority; index 0 is always the
// user's exact ask.

// maxSearchVariants caps the generated list.
const maxSearchVariants = 15

// expandingRadiiKM are tried after the exact search, in order.
var expandingRadiiKM = []int{10, 20, 50}

// titleSynonyms maps a role to alternative titles searched at the exact
// location. The mapping is fixed; it is not learned from the model.
var titleSynonyms = map[string][]string{
	"Geschäftsführer":      {"Niederlassungsleiter", "Betriebsleiter"},
	"Niederlassungsleiter": {"Geschäftsführer", "Betriebsleiter"},
	"Betriebsleiter":       {"Produktionsleiter", "Werksleiter"},
	"Projektleiter":        {"Projektmanager", "Programm-Manager"},
	"Softwareentwickler":   {"Software Engineer", "Programmierer"},
	"Vertriebsleiter":      {"Sales Manager", "Verkaufsleiter"},
	"Buchhalter":           {"Finanzbuchhalter", "Bilanzbuchhalter"},
}

// GenerateSearchVariants produces the priority-ordered escalation ladder for
// one (title, location, skills) triple.
func GenerateSearchVariants(baseTitle, baseLocation string, skills []string) []SearchVariant {
	variants := []SearchVariant{{
		Strategy:    "exact",
		Priority:    0,
		What:        baseTitle,
		Where:       baseLocation,
		RadiusKM:    0,
		Description: fmt.Sprintf("Exakte Suche: %s in %s", baseTitle, baseLocation),
	}}

	for i, radius := range expandingRadiiKM {
		variants = append(variants, SearchVariant{
			Strategy:    fmt.Sprintf("radius_%d", radius),
			Priority:    i + 1,
			What:        baseTitle,
			Where:       baseLocation,
			RadiusKM:    radius,
			Description: fmt.Sprintf("Umkreissuche %d km: %s in %s", radius, baseTitle, baseLocation),
		})
	}

	priority := 10
	for _, synonym := range synonymsFor(baseTitle) {
		variants = append(variants, SearchVariant{
			Strategy:    "synonym",
			Priority:    priority,
			What:        synonym,
			Where:       baseLocation,
			RadiusKM:    0,
			Description: fmt.Sprintf("Alternativer Titel: %s in %s", synonym, baseLocation),
		})
		priority += 10
	}

	priority = 100
	for _, skill := range skills {
		skill = strings.TrimSpace(skill)
		if skill == "" {
			continue
		}
		variants = append(variants, SearchVariant{
			Strategy:    "skill_fallback",
			Priority:    priority,
			What:        skill,
			Where:       baseLocation,
			RadiusKM:    0,
			Description: fmt.Sprintf("Suche nach Fähigkeit: %s in %s", skill, baseLocation),
		})
		priority += 10
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Priority < variants[j].Priority
	})

	if len(variants) > maxSearchVariants {
		variants = variants[:maxSearchVariants]
	}
	return variants
}

// synonymsFor matches the synonym table case-insensitively on the exact
// role name.
func synonymsFor(title string) []string {
	if alts, ok := titleSynonyms[title]; ok {
		return alts
	}
	for role, alts := range titleSynonyms {
		if strings.EqualFold(role, title) {
			return alts
		}
	}
	return nil
}

// writeVariantsToContext publishes the generated list under the two owned
// auxiliary keys. Both keys are written together so readers never observe
// a count without a list.
func writeVariantsToContext(ctx *Context, variants []SearchVariant) {
	ctx.SetOwned("search_variants_list", toJSONValue(variants))
	ctx.SetOwned("search_variants_count", float64(len(variants)))
}
