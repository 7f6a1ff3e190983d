package usecase

import (
	"strings"

	"homework-tutor/internal/domain"
)

const digestSeparator = "; "

// BuildConditionsDigest renders the student's free-text details and named
// conditions as one line of grounding context. Blank condition names are
// skipped; the stored condition order is kept.
func BuildConditionsDigest(p domain.StudentProfile) string {
	parts := make([]string, 0, len(p.Conditions)+1)
	if details := strings.TrimSpace(p.Details); details != "" {
		parts = append(parts, details)
	}
	for _, c := range p.Conditions {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		comment := strings.TrimSpace(c.Comments)
		if comment == "" {
			parts = append(parts, c.Name)
			continue
		}
		parts = append(parts, c.Name+": "+comment)
	}
	return strings.Join(parts, digestSeparator)
}
