// Package policy decides what happens to a detected prompt:
// auto-inject a safe value, route it to the operator, or deny it.
package policy

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/aegis/internal/detect"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

// Actions a policy decision can take.
const (
	ActionAutoInject  = "AUTO_INJECT"
	ActionRouteToUser = "ROUTE_TO_USER"
	ActionDeny        = "DENY"
)

// Decision is the router's verdict for one detected prompt.
type Decision struct {
	Action      string
	Reason      string
	InjectValue string
}

// safeDefaults maps prompt kind to the value injected on TTL expiry or
// denial. The yes/no entry is load-bearing: it must never be "y".
var safeDefaults = map[string]string{
	store.InputYesNo:          "n",
	store.InputConfirmEnter:   "\n",
	store.InputMultipleChoice: "1",
	store.InputFreeText:       "",
	store.InputUnknown:        "n",
}

// SafeDefault returns the type-specific safe default for a prompt kind.
func SafeDefault(kind string) string {
	if v, ok := safeDefaults[kind]; ok {
		return v
	}
	return "n"
}

// trustPromptRe recognizes the tool's "trust this folder?" dialog.
var trustPromptRe = regexp.MustCompile(`(?i)do you trust the (?:files in this|contents of this) (?:folder|directory|workspace)`)

// TrustChecker is the subset of the trust store the router consults.
type TrustChecker interface {
	IsTrusted(path string) (bool, error)
}

// Engine is the default minimal router.
type Engine struct {
	freeTextEnabled bool
	trust           TrustChecker // optional
}

// New returns an Engine. trust may be nil to disable workspace-trust
// auto-answering.
func New(freeTextEnabled bool, trust TrustChecker) *Engine {
	return &Engine{freeTextEnabled: freeTextEnabled, trust: trust}
}

// Route decides what to do with a detection result observed while the
// child runs in cwd.
func (e *Engine) Route(res detect.Result, cwd string) Decision {
	if e.trust != nil && isTrustPrompt(res) {
		trusted, err := e.trust.IsTrusted(cwd)
		if err != nil {
			slog.Warn("trust lookup failed, routing to operator", "cwd", cwd, "error", err)
		} else if trusted {
			return Decision{
				Action:      ActionAutoInject,
				Reason:      "workspace previously trusted",
				InjectValue: trustAcceptValue(res),
			}
		}
	}

	if res.Kind == store.InputFreeText && !e.freeTextEnabled {
		return Decision{
			Action:      ActionAutoInject,
			Reason:      "free-text prompts disabled",
			InjectValue: SafeDefault(store.InputFreeText),
		}
	}

	return Decision{Action: ActionRouteToUser, Reason: "operator decision required"}
}

// IsTrustPrompt reports whether a detection looks like the tool's
// trust-this-folder dialog. Exposed so the prompt manager can record
// the operator's answer into the trust store.
func IsTrustPrompt(res detect.Result) bool { return isTrustPrompt(res) }

func isTrustPrompt(res detect.Result) bool {
	return trustPromptRe.MatchString(res.Excerpt)
}

// trustAcceptValue picks the wire value that means "yes, trust" for the
// detected prompt shape.
func trustAcceptValue(res detect.Result) string {
	if res.Kind == store.InputMultipleChoice || len(res.Choices) > 0 {
		return "1"
	}
	return "y"
}

// RecordTrustAnswer updates the trust store from an operator's reply to
// a trust prompt: an affirmative grants, anything else revokes.
func RecordTrustAnswer(trust interface {
	Grant(path, by string) error
	Revoke(path string) error
}, cwd, value, decider string) error {
	if isAffirmative(value) {
		return trust.Grant(cwd, decider)
	}
	return trust.Revoke(cwd)
}

func isAffirmative(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "y", "yes", "1":
		return true
	}
	return false
}
