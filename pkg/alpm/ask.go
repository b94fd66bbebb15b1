package alpm

import (
	"strconv"

	"github.com/pkgengine/pkgengine/pkg/engine"
)

// AskMask returns the value for pacman's --ask flag that makes pacman answer
// every question the way policy does. With --ask pacman never prompts: it
// starts from the library default (no, or the first provider) and inverts
// the answer for each question bit that is set.
func AskMask(policy engine.AnswerPolicy) int {
	mask := 0
	for _, kind := range engine.AllQuestions {
		a := policy.Answer(engine.Question{Kind: kind})
		if kind == engine.QuestionSelectProvider {
			// Inverting index 0 selects index 1; any other choice is not
			// expressible and falls back to the first provider.
			if a.Choice == 1 {
				mask |= int(kind)
			}
			continue
		}
		if a.Accept {
			mask |= int(kind)
		}
	}
	return mask
}

func askArgs(mask int) []string {
	return []string{"--noconfirm", "--ask", strconv.Itoa(mask)}
}
