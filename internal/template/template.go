package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/foxzi/mailsage/internal/models"
)

// varPattern matches {{name}} placeholders, surrounding spaces allowed
var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// MissingVariablesError lists required variables a recipient did not supply
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing template variables: %s", strings.Join(e.Names, ", "))
}

// Placeholders returns the distinct placeholder names used in s, sorted
func Placeholders(s string) []string {
	seen := make(map[string]struct{})
	for _, m := range varPattern.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = struct{}{}
	}
	return sortedKeys(seen)
}

// RequiredVariables returns the declared variables of tpl together with
// every placeholder found in its subject and HTML
func RequiredVariables(tpl *models.Template) []string {
	seen := make(map[string]struct{})
	for _, v := range tpl.Variables {
		if v = strings.TrimSpace(v); v != "" {
			seen[v] = struct{}{}
		}
	}
	for _, s := range []string{tpl.Subject, tpl.HTML} {
		for _, m := range varPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// ValidateVariables returns *MissingVariablesError when vars lacks a required variable
func ValidateVariables(tpl *models.Template, vars map[string]string) error {
	var missing []string
	for _, name := range RequiredVariables(tpl) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingVariablesError{Names: missing}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
