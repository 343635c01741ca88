package admin

import "strings"

// cancelWord aborts any admin modal prompt.
const cancelWord = "cancel"

// promptModal is a one-shot modal: the next completed line is either the
// cancel word or the answer. It implements session.ModalHandler.
type promptModal struct {
	prompt   string
	apply    func(line string)
	onCancel func()
}

// NewPromptModal builds a one-shot modal prompt. apply receives the entered
// line; onCancel (optional) runs when the user cancels or the modal is
// aborted externally.
func NewPromptModal(prompt string, apply func(line string), onCancel func()) *promptModal {
	return &promptModal{prompt: prompt, apply: apply, onCancel: onCancel}
}

func (p *promptModal) Prompt() string { return p.prompt }

func (p *promptModal) HandleLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.EqualFold(trimmed, cancelWord) {
		p.Cancel()
		return true
	}
	if p.apply != nil {
		p.apply(trimmed)
	}
	return true
}

func (p *promptModal) Cancel() {
	if p.onCancel != nil {
		p.onCancel()
	}
}
