package prompt

import "fmt"

// Goal codes referenced by the copilot. Every one must exist in the prompt library.
const (
	GoalSubmissionTemplate           = "submission_prompt_template"
	GoalCodingContext                = "coding_context"
	GoalSetDataPipeline              = "set_datapipeline"
	GoalSetStrategy                  = "set_strategy"
	GoalSetAnalyzers                 = "set_analyzers"
	GoalStrategyDescription          = "get_strategy_description"
	GoalFeedbackFromCode             = "get_strategy_feedback_from_code"
	GoalFeedbackFromDescription      = "get_strategy_feedback_from_description"
	GoalVisualisationFromCode        = "get_strategy_visualisation_from_code"
	GoalVisualisationFromDescription = "get_strategy_visualisation_from_description"
)

// Slot names.
const (
	VarUserInput      = "user_input"
	VarContext        = "context"
	VarCombinedPrompt = "combined_prompt"
)

// RequiredGoals is checked against the library at start-up.
var RequiredGoals = []string{
	GoalSubmissionTemplate,
	GoalCodingContext,
	GoalSetDataPipeline,
	GoalSetStrategy,
	GoalSetAnalyzers,
	GoalStrategyDescription,
	GoalFeedbackFromCode,
	GoalFeedbackFromDescription,
	GoalVisualisationFromCode,
	GoalVisualisationFromDescription,
}

// Resolver looks up a template body by goal code. *library.Store implements it.
type Resolver interface {
	Resolve(key string) (string, error)
}

// Single renders the template for goalCode with userInput bound to {user_input}.
func Single(r Resolver, goalCode, userInput string) (string, error) {
	body, err := r.Resolve(goalCode)
	if err != nil {
		return "", err
	}
	out, err := Render(body, map[string]string{VarUserInput: userInput})
	if err != nil {
		return "", fmt.Errorf("render %s: %w", goalCode, err)
	}
	return out, nil
}

// Submission wraps an already combined body into the top-level submission template
// together with the fixed coding context.
func Submission(r Resolver, combined string) (string, error) {
	tmpl, err := r.Resolve(GoalSubmissionTemplate)
	if err != nil {
		return "", err
	}
	ctx, err := r.Resolve(GoalCodingContext)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, map[string]string{
		VarContext:        ctx,
		VarCombinedPrompt: combined,
	})
	if err != nil {
		return "", fmt.Errorf("render %s: %w", GoalSubmissionTemplate, err)
	}
	return out, nil
}
