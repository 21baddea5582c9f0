// Package routing resolves which provider and model serve a request.
// Precedence: explicit overrides, then the active profile's routing
// policy for the task class, then the AI config defaults. The resolved
// route carries a reason string naming where each choice came from so
// the decision is auditable from the chat log alone.
package routing

import (
	"fmt"

	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Route source tokens used in the reason string.
const (
	SourceOverride = "override"
	SourcePolicy   = "policy"
	SourceConfig   = "config"
)

// Overrides are the per-invocation /ai flags; empty fields defer to the
// profile and config.
type Overrides struct {
	Provider string
	Model    string
}

// Route is a fully resolved provider call target.
type Route struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Region   string

	// Reason is "task=<t>,profile=<p>,provider=<src>,model=<src>".
	Reason string
}

// Settings converts the route into provider factory settings.
func (r *Route) Settings() providers.Settings {
	return providers.Settings{APIKey: r.APIKey, BaseURL: r.BaseURL, Region: r.Region}
}

// ErrNoRoute means nothing picked a provider: no override, no policy
// route for the task class, no default provider in the AI config.
type ErrNoRoute struct {
	TaskClass string
}

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("no provider for task %q: set a route, a default provider, or pass --provider", e.TaskClass)
}

// ErrMissingKey means the provider needs a credential the AI config
// does not hold.
type ErrMissingKey struct {
	Provider string
}

func (e *ErrMissingKey) Error() string {
	return fmt.Sprintf("provider %q has no api key: run /aiconfig set-key %s", e.Provider, e.Provider)
}

// ErrMissingRegion is bedrock's flavor of a missing credential; the AWS
// chain supplies keys but we still need a region to aim at.
type ErrMissingRegion struct{}

func (e *ErrMissingRegion) Error() string {
	return `provider "bedrock" has no region: run /aiconfig set-region bedrock <aws-region>`
}

// ErrMissingModel means neither an override, the policy, nor the AI
// config names a model for the provider.
type ErrMissingModel struct {
	Provider string
}

func (e *ErrMissingModel) Error() string {
	return fmt.Sprintf("provider %q has no model: run /aiconfig set-model %s <model>", e.Provider, e.Provider)
}

// Resolve picks the provider, model, and credential for one request.
// profile may be nil when no agent is active; ai must not be nil.
func Resolve(taskClass string, ov Overrides, profile *models.AgentProfile, ai *config.AIConfig) (*Route, error) {
	profileID := "none"
	var target models.RouteTarget
	var routed bool
	if profile != nil {
		profileID = profile.ID
		target, routed = profile.RouteFor(taskClass)
	}

	provider, providerSrc := ov.Provider, SourceOverride
	if provider == "" {
		if routed && target.Provider != "" {
			provider, providerSrc = target.Provider, SourcePolicy
		} else if ai.DefaultProvider != "" {
			provider, providerSrc = ai.DefaultProvider, SourceConfig
		} else {
			return nil, &ErrNoRoute{TaskClass: taskClass}
		}
	}
	if !providers.IsKnown(provider) {
		return nil, &providers.ErrUnknownProvider{Name: provider}
	}

	pc, _ := ai.Provider(provider)

	// A policy model only applies when the policy also picked the
	// provider; an overridden provider must not inherit a model tuned
	// for a different one.
	model, modelSrc := ov.Model, SourceOverride
	if model == "" {
		if routed && target.Model != "" && (providerSrc == SourcePolicy || target.Provider == provider) {
			model, modelSrc = target.Model, SourcePolicy
		} else if pc.Model != "" {
			model, modelSrc = pc.Model, SourceConfig
		} else {
			return nil, &ErrMissingModel{Provider: provider}
		}
	}

	settings := providers.Settings{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Region: pc.Region}
	if !providers.CredentialReady(provider, settings) {
		if provider == "bedrock" {
			return nil, &ErrMissingRegion{}
		}
		return nil, &ErrMissingKey{Provider: provider}
	}

	return &Route{
		Provider: provider,
		Model:    model,
		APIKey:   pc.APIKey,
		BaseURL:  pc.BaseURL,
		Region:   pc.Region,
		Reason: fmt.Sprintf("task=%s,profile=%s,provider=%s,model=%s",
			taskClass, profileID, providerSrc, modelSrc),
	}, nil
}
