package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/protocol"
)

// AnswerPolicy answers every library question the same way on every run:
// the first provider is selected, replacements are accepted, conflicting
// packages are removed, corrupted downloads are deleted, ignored packages are
// installed when explicitly requested, signing keys are imported, and
// unresolvable packages are not silently skipped.
type AnswerPolicy struct{}

// Answer returns the fixed answer for q.
func (AnswerPolicy) Answer(q Question) Answer {
	switch q.Kind {
	case QuestionSelectProvider:
		return Answer{Accept: true, Choice: 0}
	case QuestionReplace, QuestionConflict, QuestionCorrupted, QuestionImportKey, QuestionInstallIgnored:
		return Answer{Accept: true}
	case QuestionRemovePackages:
		return Answer{Accept: false}
	default:
		return Answer{Accept: false}
	}
}

// EmitterListener forwards library callbacks to the output protocol and
// answers questions with an AnswerPolicy.
type EmitterListener struct {
	emitter *protocol.Emitter
	answers AnswerPolicy
	logger  zerolog.Logger

	mu        sync.Mutex
	phase     protocol.EventType
	pkg       string
	lastPct   int
	questions map[QuestionKind]int
}

// NewEmitterListener creates a listener writing to emitter.
func NewEmitterListener(emitter *protocol.Emitter, logger zerolog.Logger) *EmitterListener {
	return &EmitterListener{
		emitter:   emitter,
		logger:    logger,
		questions: make(map[QuestionKind]int),
	}
}

// OnQuestion answers q by policy and records it. Backends that pass the
// policy as a pacman --ask mask never reach it.
func (l *EmitterListener) OnQuestion(q Question) Answer {
	a := l.answers.Answer(q)
	l.mu.Lock()
	l.questions[q.Kind]++
	l.mu.Unlock()
	l.logger.Debug().
		Str("question", q.Kind.String()).
		Str("package", q.Package).
		Bool("accept", a.Accept).
		Int("choice", a.Choice).
		Msg("Answered library question")
	return a
}

// OnProgress emits a rich event. Percent never decreases within one
// (phase, package) run; a new phase or package starts again from its own value.
func (l *EmitterListener) OnProgress(p Progress) {
	l.mu.Lock()
	if p.Phase != l.phase || p.Package != l.pkg {
		l.phase = p.Phase
		l.pkg = p.Package
		l.lastPct = 0
	}
	if p.Percent < l.lastPct {
		p.Percent = l.lastPct
	}
	l.lastPct = p.Percent
	l.mu.Unlock()

	ev := protocol.Event{
		EventType: p.Phase,
		Package:   p.Package,
		Percent:   protocol.Percent(p.Percent),
		Message:   p.Message,
	}
	if p.Total > 0 {
		downloaded, total := p.Downloaded, p.Total
		ev.Downloaded = &downloaded
		ev.Total = &total
	}
	if err := l.emitter.Event(ev); err != nil {
		l.logger.Error().Err(err).Msg("Failed to emit progress event")
	}
}

// OnLog forwards library log lines. Warnings and errors reach the client as
// log events; everything goes to the helper log.
func (l *EmitterListener) OnLog(level zerolog.Level, message string) {
	l.logger.WithLevel(level).Str("source", "backend").Msg(message)
	if level < zerolog.WarnLevel {
		return
	}
	if err := l.emitter.Event(protocol.Event{EventType: protocol.EventLog, Message: message}); err != nil {
		l.logger.Error().Err(err).Msg("Failed to emit log event")
	}
}

// Asked returns how many times each question kind was raised.
func (l *EmitterListener) Asked() map[QuestionKind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[QuestionKind]int, len(l.questions))
	for k, v := range l.questions {
		out[k] = v
	}
	return out
}
