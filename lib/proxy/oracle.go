/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/utils"
)

// Oracle picks the next country to try when the requested one has no
// proxy inventory.
type Oracle interface {
	// NextCountry maps (original, already tried) to the next ISO-3166
	// alpha-2 code. Returns NotFound when no candidate remains.
	NextCountry(ctx context.Context, original string, tried []string) (string, error)
}

// countryCode matches a lowercased ISO-3166 alpha-2 code.
var countryCode = regexp.MustCompile(`^[a-z]{2}$`)

// neighbors maps a country to nearby countries in rough order of
// network proximity. Countries absent from the table fall through to
// the global priority list.
var neighbors = map[string][]string{
	"us": {"ca", "mx", "gb"},
	"ca": {"us", "gb"},
	"mx": {"us", "co", "br"},
	"br": {"ar", "cl", "us"},
	"ar": {"cl", "br", "us"},
	"cl": {"ar", "br"},
	"co": {"mx", "br", "us"},
	"gb": {"ie", "nl", "de"},
	"ie": {"gb", "nl"},
	"nl": {"de", "be", "gb"},
	"be": {"nl", "fr", "de"},
	"de": {"nl", "fr", "pl"},
	"fr": {"be", "de", "es"},
	"es": {"pt", "fr", "it"},
	"pt": {"es", "fr"},
	"it": {"fr", "es", "de"},
	"pl": {"de", "cz"},
	"cz": {"de", "pl"},
	"tr": {"de", "nl"},
	"ae": {"sa", "in"},
	"sa": {"ae", "eg"},
	"eg": {"sa", "ae"},
	"za": {"ng", "ke", "gb"},
	"ng": {"za", "gh"},
	"ke": {"za", "ae"},
	"in": {"sg", "ae"},
	"sg": {"my", "id", "hk"},
	"my": {"sg", "id"},
	"id": {"sg", "my"},
	"hk": {"sg", "jp"},
	"jp": {"kr", "sg"},
	"kr": {"jp", "sg"},
	"au": {"nz", "sg"},
	"nz": {"au", "sg"},
}

// StaticOracle walks a regional proximity table, then the global
// priority list. Deterministic and dependency-free; used standalone or
// as the fallback behind the LLM oracle.
type StaticOracle struct {
	// Priority is consulted after the proximity table, default
	// defaults.PriorityCountries.
	Priority []string
}

// NextCountry implements Oracle.
func (o *StaticOracle) NextCountry(ctx context.Context, original string, tried []string) (string, error) {
	original = strings.ToLower(original)
	seen := make(map[string]bool, len(tried)+1)
	seen[original] = true
	for _, c := range tried {
		seen[strings.ToLower(c)] = true
	}
	priority := o.Priority
	if len(priority) == 0 {
		priority = defaults.PriorityCountries
	}
	for _, c := range append(append([]string{}, neighbors[original]...), priority...) {
		if !seen[c] {
			return c, nil
		}
	}
	return "", trace.NotFound("no fallback country left for %q after %v", original, tried)
}

// ChatCompleter is the slice of the OpenAI-compatible API the LLM
// oracle uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMOracleConfig configures the LLM-backed oracle.
type LLMOracleConfig struct {
	// Client is the completion API client.
	Client ChatCompleter
	// Model is the completion model, small and cheap by default.
	Model string
	// Retries caps completion attempts.
	Retries int
	// Static answers when the model fails or keeps suggesting tried
	// countries.
	Static *StaticOracle
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *LLMOracleConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.Retries <= 0 {
		c.Retries = defaults.OracleRetries
	}
	if c.Static == nil {
		c.Static = &StaticOracle{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentProxy)
	}
	return nil
}

// LLMOracle asks a small model for the geographically closest country
// not yet tried. Answers are validated strictly; anything that is not
// a fresh 2-letter code is rejected and retried, and the static table
// answers when the model gives up.
type LLMOracle struct {
	cfg LLMOracleConfig
}

// NewLLMOracle creates an LLM-backed oracle.
func NewLLMOracle(cfg LLMOracleConfig) (*LLMOracle, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &LLMOracle{cfg: cfg}, nil
}

// NextCountry implements Oracle.
func (o *LLMOracle) NextCountry(ctx context.Context, original string, tried []string) (string, error) {
	original = strings.ToLower(original)
	prompt := fmt.Sprintf(
		"An ISP proxy vendor has no IPs available in country %q. Already tried and exhausted: %s. "+
			"Answer with the single geographically and culturally closest alternative as a two letter "+
			"lowercase ISO-3166 code. Answer with the code only, nothing else.",
		original, strings.Join(append([]string{original}, tried...), ", "))

	var answer string
	err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		Attempts: o.cfg.Retries,
		First:    defaults.OracleBaseDelay,
		Clock:    o.cfg.Clock,
	}, func(ctx context.Context) error {
		resp, err := o.cfg.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       o.cfg.Model,
			Temperature: 0,
			MaxTokens:   8,
			Messages: []openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			}},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if len(resp.Choices) == 0 {
			return trace.BadParameter("model returned no choices")
		}
		candidate := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
		if !countryCode.MatchString(candidate) {
			return trace.BadParameter("model answer %q is not a 2-letter country code", candidate)
		}
		if candidate == original || contains(tried, candidate) {
			return trace.BadParameter("model suggested already-tried country %q", candidate)
		}
		answer = candidate
		return nil
	})
	if err == nil {
		o.cfg.Log.InfoContext(ctx, "oracle picked fallback country",
			"original", original, "tried", tried, "next", answer)
		return answer, nil
	}
	o.cfg.Log.WarnContext(ctx, "LLM oracle failed, using static table",
		"original", original, "error", err)
	next, serr := o.cfg.Static.NextCountry(ctx, original, tried)
	if serr != nil {
		return "", trace.NewAggregate(err, serr)
	}
	return next, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
