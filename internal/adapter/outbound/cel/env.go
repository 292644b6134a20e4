// Package cel compiles and evaluates the optional CEL expressions policy
// rules can carry beyond the structured argument conditions.
package cel

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/RhysSullivan/codegate/internal/domain/policy"
)

// NewPolicyEnvironment creates the CEL environment for rule expressions.
// Variables:
//   - args: the call arguments (map)
//   - tool: the dotted tool path
//   - workspace, actor, client: the call identity
//
// Functions:
//   - matches_tool(pattern): glob match against the tool path, "*" one
//     segment, trailing "**" any suffix
func NewPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tool", cel.StringType),
		cel.Variable("workspace", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("client", cel.StringType),

		cel.Function("matches_tool",
			cel.MemberOverload("string_matches_tool_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(path, pattern ref.Val) ref.Val {
					p, _ := path.Value().(string)
					pat, _ := pattern.Value().(string)
					return types.Bool(policy.MatchToolPath(pat, p))
				}),
			),
		),
	)
}
