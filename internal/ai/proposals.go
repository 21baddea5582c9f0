package ai

import (
	"fmt"
	"strings"

	"github.com/toutatis-dev/huddle/internal/providers"
)

// ProposedAction is one tool invocation suggested by the model during
// an --act request. Tool and arguments are validated against the tool
// contract and the active profile before anything is registered.
type ProposedAction struct {
	Tool      string         `json:"tool" jsonschema:"required"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Summary   string         `json:"summary,omitempty"`
}

// actReply is the strict-JSON envelope requested on the second call of
// an --act request.
type actReply struct {
	Answer          string           `json:"answer"`
	ProposedActions []ProposedAction `json:"proposed_actions,omitempty"`
}

var actContract = providers.MustContract("act_proposals", &actReply{})

// buildActPrompt frames the follow-up call: the model restates its
// answer and proposes concrete tool invocations as structured JSON.
func buildActPrompt(effectivePrompt, firstAnswer string) string {
	var sb strings.Builder
	sb.WriteString("You previously answered a request. Restate the final answer and propose ")
	sb.WriteString("any concrete tool actions that would carry it out. Propose only actions ")
	sb.WriteString("you are confident about; an empty proposed_actions list is acceptable.\n\n")
	fmt.Fprintf(&sb, "Request:\n%s\n\n", effectivePrompt)
	fmt.Fprintf(&sb, "Your answer:\n%s\n\n", firstAnswer)
	sb.WriteString("Each proposed action needs \"tool\" (one of the registered tool names), ")
	sb.WriteString("\"arguments\" (object matching that tool's parameters), and a one-line \"summary\".\n\n")
	sb.WriteString(actContract.Instruction())
	return sb.String()
}
