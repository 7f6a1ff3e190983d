package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultBasePromptName  = "StudentBasePrompt"
	StudentNameToken       = "{{StudentName}}"
	StudentConditionsToken = "{{StudentConditions}}"

	msgBasePromptMissing = "Student base prompt is not configured."
)

// ConfigStore is a read-only, string-keyed configuration source consulted at
// call time. ok is false when no value is stored under name.
type ConfigStore interface {
	Lookup(ctx context.Context, name string) (value string, ok bool, err error)
}

var (
	studentNamePattern       = tokenPattern(StudentNameToken)
	studentConditionsPattern = tokenPattern(StudentConditionsToken)
)

// PromptResolver turns the named base prompt template into a system prompt
// for one student.
type PromptResolver struct {
	store ConfigStore
	name  string
}

func NewPromptResolver(store ConfigStore, templateName string) (*PromptResolver, error) {
	if store == nil {
		return nil, errors.New("usecase: config store must not be nil")
	}
	templateName = strings.TrimSpace(templateName)
	if templateName == "" {
		templateName = DefaultBasePromptName
	}
	return &PromptResolver{store: store, name: templateName}, nil
}

// Resolve substitutes the student name and conditions digest into the
// template. A missing or blank template yields an error matching
// ErrConfigurationMissing whose text is safe to show to the caller.
func (r *PromptResolver) Resolve(ctx context.Context, studentName, conditions string) (string, error) {
	tmpl, ok, err := r.store.Lookup(ctx, r.name)
	if err != nil {
		return "", fmt.Errorf("usecase: load prompt template %q: %w", r.name, err)
	}
	if !ok || strings.TrimSpace(tmpl) == "" {
		return "", missingConfig(msgBasePromptMissing)
	}
	out := replaceLiteral(studentNamePattern, tmpl, studentName)
	return replaceLiteral(studentConditionsPattern, out, conditions), nil
}

func tokenPattern(token string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(token))
}

// replaceLiteral replaces every match with value without expanding $ groups.
func replaceLiteral(re *regexp.Regexp, s, value string) string {
	return re.ReplaceAllLiteralString(s, value)
}
