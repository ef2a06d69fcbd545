package prompt

import "github.com/wuwenbin0122/jechat/internal/models"

// Step is the instruction injected after a user turn in the guided
// 8D problem-solving flow.
type Step struct {
	Instruction  string
	MaxNewTokens int
	Next         string
	Placeholder  string
}

var diagnosisSteps = map[string]Step{
	models.StageNeedProblem: {
		Instruction: "Use tools like the 5 Whys to identify and verify root causes. " +
			"Propose permanent corrective actions, and guide me through their implementation and validation. " +
			"Lastly, suggest ways to modify processes to prevent recurrence.",
		MaxNewTokens: 256,
		Next:         models.StageNeedClarify,
		Placeholder:  "Please describe your problems",
	},
	models.StageNeedClarify: {
		Instruction: "Analyse the conversation so far.\n" +
			"1. List the most plausible root causes of the user's problem (bulleted).\n" +
			"2. For each cause, suggest practical solutions or next steps.\n" +
			"3. Keep the tone professional and concise.",
		MaxNewTokens: 512,
		Next:         models.StageDone,
		Placeholder:  "Please further describe your problems",
	},
}

// DiagnosisStep returns the step for stage; ok is false for stages that do
// not accept input.
func DiagnosisStep(stage string) (Step, bool) {
	step, ok := diagnosisSteps[stage]
	return step, ok
}
