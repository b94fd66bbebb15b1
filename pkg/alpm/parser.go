package alpm

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/engine"
	"github.com/pkgengine/pkgengine/pkg/protocol"
)

var (
	stepLine      = regexp.MustCompile(`^\((\s*\d+)/(\d+)\)\s+(.*)$`)
	downloadLine  = regexp.MustCompile(`^\s*(\S+) downloading\.\.\.$`)
	upToDateLine  = regexp.MustCompile(`^\s*(\S+) is up to date$`)
	replaceQ      = regexp.MustCompile(`^:: Replace (\S+) with (\S+)\?`)
	conflictQ     = regexp.MustCompile(`^:: (\S+) and (\S+) are in conflict`)
	providersQ    = regexp.MustCompile(`^:: There are \d+ providers available for (\S+):`)
	importKeyQ    = regexp.MustCompile(`^:: Import PGP key (\S+)`)
	corruptedQ    = regexp.MustCompile(`^:: File (\S+) is corrupted`)
	ignoredQ      = regexp.MustCompile(`^:: (\S+) is in IgnorePkg/IgnoreGroup`)
	unresolvableQ = regexp.MustCompile(`^:: The following packages? cannot be upgraded due to unresolvable dependencies`)
)

// stepPhases maps the action word of a "(i/n) ..." line to its phase.
var stepPhases = []struct {
	prefix string
	phase  protocol.EventType
}{
	{"installing ", protocol.EventInstall},
	{"reinstalling ", protocol.EventInstall},
	{"upgrading ", protocol.EventUpgrade},
	{"downgrading ", protocol.EventUpgrade},
	{"removing ", protocol.EventRemove},
	{"checking keys in keyring", protocol.EventCheck},
	{"checking package integrity", protocol.EventCheck},
	{"checking for file conflicts", protocol.EventCheck},
	{"checking available disk space", protocol.EventCheck},
	{"loading package files", protocol.EventExtract},
	{"downloading required keys", protocol.EventCheck},
}

// outputParser turns pacman's plain output into listener callbacks. pacman
// prints no progress bars when stdout is not a terminal, so percentages are
// derived from the "(i/n)" step counters.
type outputParser struct {
	l engine.Listener

	mu    sync.Mutex
	hooks bool
}

func newOutputParser(l engine.Listener) *outputParser {
	return &outputParser{l: l}
}

// Stdout handles one stdout line.
func (p *outputParser) Stdout(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if strings.HasPrefix(trimmed, ":: Running post-transaction hooks") {
		p.hooks = true
		p.l.OnLog(zerolog.InfoLevel, trimmed)
		return
	}
	if q, ok := parseQuestion(trimmed); ok {
		p.l.OnQuestion(q)
		return
	}
	if m := downloadLine.FindStringSubmatch(line); m != nil {
		p.l.OnProgress(engine.Progress{Phase: protocol.EventDownload, Package: m[1], Message: trimmed})
		return
	}
	if m := upToDateLine.FindStringSubmatch(line); m != nil {
		p.l.OnProgress(engine.Progress{Phase: protocol.EventDownload, Package: m[1], Percent: 100, Message: trimmed})
		return
	}
	if m := stepLine.FindStringSubmatch(trimmed); m != nil {
		p.step(m[1], m[2], m[3])
		return
	}
	p.l.OnLog(levelOf(trimmed), trimmed)
}

// Stderr handles one stderr line.
func (p *outputParser) Stderr(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.l.OnLog(levelOf(trimmed), trimmed)
}

func (p *outputParser) step(index, count, rest string) {
	i, _ := strconv.Atoi(strings.TrimSpace(index))
	n, _ := strconv.Atoi(count)
	percent := 0
	if n > 0 {
		percent = i * 100 / n
	}

	if p.hooks {
		p.l.OnProgress(engine.Progress{Phase: protocol.EventHook, Package: strings.TrimSuffix(rest, "..."), Percent: percent, Message: rest})
		return
	}
	for _, sp := range stepPhases {
		if !strings.HasPrefix(rest, sp.prefix) {
			continue
		}
		pkg := ""
		if sp.phase != protocol.EventCheck && sp.phase != protocol.EventExtract {
			pkg = firstField(strings.TrimPrefix(rest, sp.prefix))
		}
		p.l.OnProgress(engine.Progress{Phase: sp.phase, Package: pkg, Percent: percent, Message: rest})
		return
	}
	p.l.OnLog(zerolog.InfoLevel, rest)
}

// parseQuestion recognizes the question text pacman prints even when it
// answers by itself.
func parseQuestion(line string) (engine.Question, bool) {
	if m := replaceQ.FindStringSubmatch(line); m != nil {
		return engine.Question{Kind: engine.QuestionReplace, Package: m[1], Options: []string{m[2]}}, true
	}
	if m := conflictQ.FindStringSubmatch(line); m != nil {
		return engine.Question{Kind: engine.QuestionConflict, Package: m[1], Options: []string{m[2]}}, true
	}
	if m := providersQ.FindStringSubmatch(line); m != nil {
		return engine.Question{Kind: engine.QuestionSelectProvider, Package: m[1]}, true
	}
	if m := importKeyQ.FindStringSubmatch(line); m != nil {
		return engine.Question{Kind: engine.QuestionImportKey, Package: m[1]}, true
	}
	if m := corruptedQ.FindStringSubmatch(line); m != nil {
		return engine.Question{Kind: engine.QuestionCorrupted, Package: m[1]}, true
	}
	if m := ignoredQ.FindStringSubmatch(line); m != nil {
		return engine.Question{Kind: engine.QuestionInstallIgnored, Package: m[1]}, true
	}
	if unresolvableQ.MatchString(line) {
		return engine.Question{Kind: engine.QuestionRemovePackages}, true
	}
	return engine.Question{}, false
}

func levelOf(line string) zerolog.Level {
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "error:"):
		return zerolog.ErrorLevel
	case strings.HasPrefix(lower, "warning:"):
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], "...")
}
