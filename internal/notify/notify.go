// Package notify defines the notification collaborator used by the outbox
// sender. The real email transport lives outside this module; LogNotifier is
// the default implementation and writes one structured log line per message.
package notify

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Notifier sends the "new matches found" notification to one participant.
// count is the number of matches created for the participant since the last
// notification and remainingCredits the credits left on their intents.
type Notifier interface {
	SendMatchesFound(ctx context.Context, email, name string, count, remainingCredits int) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, email, name string, count, remainingCredits int) error

// SendMatchesFound calls f.
func (f NotifierFunc) SendMatchesFound(ctx context.Context, email, name string, count, remainingCredits int) error {
	return f(ctx, email, name, count, remainingCredits)
}

// LogNotifier renders the notification text and logs it.
type LogNotifier struct {
	Locale language.Tag
	Logger *zerolog.Logger
}

// NewLogNotifier returns a LogNotifier for the given locale writing to the
// global logger.
func NewLogNotifier(locale language.Tag) *LogNotifier {
	l := log.With().Str("component", "notify").Logger()
	return &LogNotifier{Locale: locale, Logger: &l}
}

// SendMatchesFound implements Notifier.
func (n *LogNotifier) SendMatchesFound(ctx context.Context, email, name string, count, remainingCredits int) error {
	lg := n.Logger
	if lg == nil {
		lg = &log.Logger
	}
	lg.Info().
		Str("email", email).
		Int("count", count).
		Int("remaining_credits", remainingCredits).
		Str("subject", Subject(n.Locale, count)).
		Msg(Body(n.Locale, name, count, remainingCredits))
	return nil
}

// Subject returns the notification subject line.
func Subject(locale language.Tag, count int) string {
	p := message.NewPrinter(locale)
	if count == 1 {
		return p.Sprintf("You have a new exchange match")
	}
	return p.Sprintf("You have %d new exchange matches", count)
}

// Body returns the notification text. The name is title-cased; an empty
// name falls back to a generic greeting.
func Body(locale language.Tag, name string, count, remainingCredits int) string {
	p := message.NewPrinter(locale)
	name = strings.TrimSpace(name)
	greeting := p.Sprintf("Hello")
	if name != "" {
		greeting = p.Sprintf("Hello %s", cases.Title(locale).String(name))
	}
	matches := p.Sprintf("%d new matches were found for your home", count)
	if count == 1 {
		matches = p.Sprintf("A new match was found for your home")
	}
	return p.Sprintf("%s, %s. Credits left: %d.", greeting, matches, remainingCredits)
}
