package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func TestInitWithWriter_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("warn", &buf)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log := WithComponent("dispatcher")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, `"component":"dispatcher"`) || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output %s", out)
	}
}

func TestInitWithWriter_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("chatty", &buf)

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("info", &buf)

	log := WithError(errors.New("disk full"))
	log.Error().Msg("write failed")

	if !strings.Contains(buf.String(), `"error":"disk full"`) {
		t.Errorf("missing error field in %s", buf.String())
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("debug", &buf)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	a := Watermill("nats_consumer").With(watermill.LogFields{"subject": "camera.events"})
	a.Error("nats disconnected", errors.New("eof"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	for _, want := range []string{`"component":"nats_consumer"`, `"subject":"camera.events"`, `"attempt":2`, `"error":"eof"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}
