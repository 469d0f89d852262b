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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func TestStaticOracle(t *testing.T) {
	t.Parallel()

	oracle := &StaticOracle{}

	next, err := oracle.NextCountry(context.Background(), "be", nil)
	require.NoError(t, err)
	require.Equal(t, "nl", next)

	// Tried countries are never suggested again.
	next, err = oracle.NextCountry(context.Background(), "be", []string{"nl", "fr"})
	require.NoError(t, err)
	require.Equal(t, "de", next)

	// Unknown countries fall through to the priority list.
	next, err = oracle.NextCountry(context.Background(), "xx", nil)
	require.NoError(t, err)
	require.Equal(t, "us", next)

	// Exhaustion is NotFound.
	_, err = oracle.NextCountry(context.Background(), "be",
		[]string{"nl", "fr", "de", "us", "gb", "br"})
	require.True(t, trace.IsNotFound(err))
}

type scriptedCompleter struct {
	answers []string
	calls   int
}

func (s *scriptedCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.calls >= len(s.answers) {
		return openai.ChatCompletionResponse{}, trace.LimitExceeded("no more scripted answers")
	}
	answer := s.answers[s.calls]
	s.calls++
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: answer},
		}},
	}, nil
}

func newTestLLMOracle(t *testing.T, completer ChatCompleter) (*LLMOracle, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	oracle, err := NewLLMOracle(LLMOracleConfig{
		Client: completer,
		Clock:  clock,
	})
	require.NoError(t, err)
	return oracle, clock
}

func TestLLMOracleAcceptsValidAnswer(t *testing.T) {
	t.Parallel()

	oracle, _ := newTestLLMOracle(t, &scriptedCompleter{answers: []string{" NL \n"}})
	next, err := oracle.NextCountry(context.Background(), "be", nil)
	require.NoError(t, err)
	require.Equal(t, "nl", next)
}

func TestLLMOracleRetriesInvalidAnswers(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{answers: []string{
		"The Netherlands", // not a code
		"be",              // the original country
		"nl",
	}}
	oracle, clock := newTestLLMOracle(t, completer)

	done := make(chan struct{})
	var next string
	var err error
	go func() {
		defer close(done)
		next, err = oracle.NextCountry(context.Background(), "be", nil)
	}()
	// Two retry sleeps of 5s and 10s between the three attempts.
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	<-done

	require.NoError(t, err)
	require.Equal(t, "nl", next)
	require.Equal(t, 3, completer.calls)
}

func TestLLMOracleFallsBackToStatic(t *testing.T) {
	t.Parallel()

	// Every answer invalid: after the retry cap the static table decides.
	completer := &scriptedCompleter{answers: []string{"???", "???", "???"}}
	oracle, clock := newTestLLMOracle(t, completer)

	done := make(chan struct{})
	var next string
	var err error
	go func() {
		defer close(done)
		next, err = oracle.NextCountry(context.Background(), "be", []string{"nl"})
	}()
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	<-done

	require.NoError(t, err)
	require.Equal(t, "fr", next)
}
