package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

func TestDescriptorRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{
			name: "install",
			payload: InstallPayload{
				Packages:        []string{"htop", "lib32-mesa"},
				SyncFirst:       true,
				EnabledRepos:    []string{"cachyos-v3", "core", "extra"},
				CPUOptimization: "v3",
				Strategy:        "performance-first",
			},
		},
		{name: "uninstall", payload: UninstallPayload{Packages: []string{"htop"}, RemoveDeps: true}},
		{name: "upgrade all", payload: UpgradePayload{EnabledRepos: []string{"core"}}},
		{name: "sync", payload: SyncPayload{EnabledRepos: []string{"core", "extra"}}},
		{name: "install files", payload: InstallFilesPayload{Paths: []string{"/var/tmp/pkgengine/staging/a.pkg.tar.zst"}}},
		{name: "remove lock", payload: RemoveLockPayload{}},
		{name: "run command", payload: RunCommandPayload{Binary: "systemctl", Args: []string{"restart", "sddm"}}},
		{name: "write file", payload: WriteFilePayload{Path: "/etc/pkgengine/a.conf", Content: "x=1\n"}},
		{name: "remove file", payload: RemoveFilePayload{Path: "/etc/pkgengine/a.conf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := EncodeDescriptor(&buf, NewDescriptor(tt.payload)); err != nil {
				t.Fatalf("EncodeDescriptor: %v", err)
			}
			if !strings.HasSuffix(buf.String(), "\n") {
				t.Error("descriptor should be newline terminated")
			}

			var env map[string]json.RawMessage
			if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
				t.Fatal(err)
			}
			if string(env["command"]) != `"`+string(tt.payload.Command())+`"` {
				t.Errorf("command tag = %s", env["command"])
			}

			got, err := ReadDescriptor(&buf)
			if err != nil {
				t.Fatalf("ReadDescriptor: %v", err)
			}
			if diff := cmp.Diff(tt.payload, got.Payload); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadDescriptorRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: "  \n"},
		{name: "unknown command", input: `{"command":"AlpmFormatDisk","payload":{}}`},
		{name: "unknown field", input: `{"command":"AlpmSync","payload":{"enabled_repos":[],"extra":1}}`},
		{name: "two descriptors", input: `{"command":"RemoveLock"}` + "\n" + `{"command":"RemoveLock"}`},
		{name: "no packages", input: `{"command":"AlpmInstall","payload":{"packages":[]}}`},
		{name: "option injection", input: `{"command":"AlpmInstall","payload":{"packages":["--overwrite=*"]}}`},
		{name: "bad repo name", input: `{"command":"AlpmSync","payload":{"enabled_repos":["-x"]}}`},
		{name: "bad strategy", input: `{"command":"AlpmUpgrade","payload":{"enabled_repos":[],"strategy":"fastest"}}`},
		{name: "bad tier", input: `{"command":"AlpmInstall","payload":{"packages":["a"],"cpu_optimization":"v9"}}`},
		{name: "empty binary", input: `{"command":"RunCommand","payload":{"binary":""}}`},
		{name: "empty path", input: `{"command":"AlpmInstallFiles","payload":{"paths":[""]}}`},
		{name: "not json", input: `install htop`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadDescriptor(strings.NewReader(tt.input)); err == nil {
				t.Errorf("expected %q to be rejected", tt.input)
			}
		})
	}
}

func TestReadDescriptorPayloadlessCommand(t *testing.T) {
	d, err := ReadDescriptor(strings.NewReader(`{"command":"RemoveLock"}`))
	if err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}
	if d.Command() != CommandRemoveLock {
		t.Errorf("command = %s", d.Command())
	}
	if d.Command().Mutating() {
		t.Error("RemoveLock is not a package transaction")
	}
}

func TestEmitterAndReader(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	if err := e.Status(10, "Synchronizing"); err != nil {
		t.Fatal(err)
	}
	if err := e.Event(Event{EventType: EventDownload, Package: "htop", Percent: Percent(50), Message: "downloading"}); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("plain text from a tool\n")
	if err := e.Error(classify.Classify("error: target not found: nope")); err != nil {
		t.Fatal(err)
	}
	if err := e.Done("finished"); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	var lines []*Line
	for {
		l, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		lines = append(lines, l)
	}

	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[0].Status == nil || lines[0].Status.Progress != 10 {
		t.Errorf("first line should be a status: %+v", lines[0])
	}
	if ev := lines[1].Event; ev == nil || ev.Package != "htop" || *ev.Percent != 50 {
		t.Errorf("second line should be a download event: %+v", lines[1])
	}
	if ev := lines[2].Event; ev == nil || ev.EventType != EventLog {
		t.Errorf("plain text should become a log event: %+v", lines[2])
	}
	errLine := lines[3].Event
	if errLine == nil || errLine.EventType != EventError || !strings.HasPrefix(errLine.Message, ErrorPrefix) {
		t.Fatalf("fourth line should be an error: %+v", lines[3])
	}
	if errLine.Error == nil || errLine.Error.Kind != classify.KindNotFound {
		t.Errorf("error classification lost: %+v", errLine.Error)
	}
	if done := lines[4].Event; done == nil || done.EventType != EventDone || *done.Percent != 100 {
		t.Errorf("last line should be done at 100: %+v", lines[4])
	}
}

func TestEmitterConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = e.Status(j, strings.Repeat("x", i+1))
			}
		}(i)
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var st Status
		if err := json.Unmarshal([]byte(line), &st); err != nil {
			t.Fatalf("interleaved output line %q: %v", line, err)
		}
	}
}

func TestPercentClamps(t *testing.T) {
	if *Percent(-5) != 0 || *Percent(150) != 100 || *Percent(42) != 42 {
		t.Error("Percent should clamp into 0..100")
	}
}
