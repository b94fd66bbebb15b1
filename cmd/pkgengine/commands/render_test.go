package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/protocol"
)

func TestRendererPlainLines(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, true, false)

	r.line(&protocol.Line{Status: &protocol.Status{Progress: 5, Message: "Checking database lock"}})
	r.line(&protocol.Line{Event: &protocol.Event{EventType: protocol.EventDownload, Package: "htop", Percent: protocol.Percent(40), Message: "downloading"}})
	r.line(&protocol.Line{Event: &protocol.Event{
		EventType: protocol.EventError,
		Message:   protocol.ErrorPrefix + "Package not found",
		Error:     classify.New(classify.KindNotFound, "Package not found", "").WithRecovery("Enable more sources."),
	}})

	out := buf.String()
	for _, want := range []string{"[  5%] Checking database lock", "download htop  40% downloading", "✗ Package not found", "Enable more sources."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("no-color output contains escape sequences")
	}
}

func TestRendererJSONPassesLinesThrough(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, true, true)

	r.line(&protocol.Line{Event: &protocol.Event{EventType: protocol.EventDone, Percent: protocol.Percent(100), Message: "ok"}})
	r.failed(errors.New("error: target not found: nope"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", lines)
	}
	var ev protocol.Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventType != protocol.EventError || ev.Error == nil || ev.Error.Kind != classify.KindNotFound {
		t.Errorf("failure line = %+v", ev)
	}
}

func TestRendererTable(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, true, false)
	r.table([]string{"NAME", "SOURCE"}, [][]string{{"htop", "cachyos-v3"}, {"linux-zen", "extra"}})

	want := "NAME       SOURCE\nhtop       cachyos-v3\nlinux-zen  extra\n"
	if buf.String() != want {
		t.Errorf("table =\n%q\nwant\n%q", buf.String(), want)
	}
}
