package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
)

func TestSubject(t *testing.T) {
	if got := Subject(language.English, 1); got != "You have a new exchange match" {
		t.Fatalf("singular subject = %q", got)
	}
	if got := Subject(language.English, 3); got != "You have 3 new exchange matches" {
		t.Fatalf("plural subject = %q", got)
	}
	// English printer groups thousands
	if got := Subject(language.English, 1200); !strings.Contains(got, "1,200") {
		t.Fatalf("grouped subject = %q", got)
	}
}

func TestBody(t *testing.T) {
	got := Body(language.English, "  ada lovelace ", 2, 3)
	want := "Hello Ada Lovelace, 2 new matches were found for your home. Credits left: 3."
	if got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
	got = Body(language.English, "", 1, 0)
	want = "Hello, A new match was found for your home. Credits left: 0."
	if got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
}

func TestLogNotifier_WritesLine(t *testing.T) {
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	n := &LogNotifier{Locale: language.English, Logger: &lg}

	if err := n.SendMatchesFound(context.Background(), "a@example.com", "ada", 2, 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := buf.String()
	for _, s := range []string{`"email":"a@example.com"`, `"count":2`, `"remaining_credits":1`, "Hello Ada"} {
		if !strings.Contains(out, s) {
			t.Fatalf("log line missing %s: %s", s, out)
		}
	}
}

func TestNotifierFunc(t *testing.T) {
	boom := errors.New("boom")
	var gotCount int
	var n Notifier = NotifierFunc(func(_ context.Context, _, _ string, count, _ int) error {
		gotCount = count
		return boom
	})
	if err := n.SendMatchesFound(context.Background(), "e", "n", 4, 0); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if gotCount != 4 {
		t.Fatalf("count = %d", gotCount)
	}
}
