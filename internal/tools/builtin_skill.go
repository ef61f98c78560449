package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/internal/skills"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

type skillExecArgs struct {
	SkillMention string            `json:"skill_mention" jsonschema:"description=Mention token of the skill, e.g. $[ns].name"`
	ActionID     string            `json:"action_id" jsonschema:"description=Identifier of the action within the skill bundle"`
	BundleRoot   string            `json:"bundle_root,omitempty" jsonschema:"description=Directory the action runs in, relative to the workspace root"`
	Argv         []string          `json:"argv" jsonschema:"description=Action program and arguments"`
	Env          map[string]string `json:"env,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
	Risk         string            `json:"risk,omitempty"`
}

// NewSkillExecTool runs an action from a resolved skill bundle. The skill
// must resolve through the configured spaces before anything executes.
func NewSkillExecTool(manager *skills.Manager) Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "skill_exec",
			Description: "Execute an action declared by an installed skill.",
			Parameters:  SchemaFor(&skillExecArgs{}),
		},
		Safety: Descriptor{
			WrapsSandbox: true,
			Recipe:       safety.RecipeSkillExec,
			Builtin:      true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[skillExecArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			if len(args.Argv) == 0 {
				return models.ErrorResult(models.ErrorKindValidation, "argv must not be empty"), nil
			}
			mention, err := skills.ParseMention(args.SkillMention)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			if manager == nil {
				return models.ErrorResult(models.ErrorKindConfig, "no skill spaces configured"), nil
			}
			skill, err := manager.ResolveMention(ctx, mention)
			switch {
			case errors.Is(err, skills.ErrSpaceNotConfigured):
				return models.ErrorResult(models.ErrorKindConfig, err.Error()), nil
			case errors.Is(err, skills.ErrUnknownSkill):
				return models.ErrorResult(models.ErrorKindNotFound, err.Error()), nil
			case err != nil:
				return nil, err
			}

			result, err := runArgv(ctx, ec, args.Argv, args.BundleRoot, args.Env, "", nil)
			if err != nil {
				return nil, err
			}
			result.SetData("skill", skill.Key())
			result.SetData("action_id", args.ActionID)
			return result, nil
		},
	}
}
