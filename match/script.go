package match

import (
	"encoding/json"
	"fmt"

	luajson "github.com/inbucket/gopher-json"
	lua "github.com/yuin/gopher-lua"
)

// scriptPred runs a user-supplied Lua predicate against the mail's tag
// map, grounded in inbucket's Lua extension pipeline (gopher-lua plus
// gopher-json for marshalling Go values into Lua tables). The script must
// define a global function `match(tags)` returning a boolean.
type scriptPred struct{}

func init() { Register("script", scriptPred{}) }

// Match expects args = [luaSource].
func (scriptPred) Match(ctx *Ctx, args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("script: expected 1 argument, got %d", len(args))
	}

	ls := lua.NewState()
	defer ls.Close()
	ls.PreloadModule("json", luajson.Loader)

	if err := ls.DoString(args[0]); err != nil {
		return false, fmt.Errorf("script: loading predicate: %w", err)
	}

	tags := make(map[string]string)
	for _, k := range ctx.Mail.Tags.Keys() {
		tags[k], _ = ctx.Mail.Tags.Get(k)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("script: marshalling tags: %w", err)
	}
	tagsTable, err := luajson.Decode(ls, tagsJSON)
	if err != nil {
		return false, fmt.Errorf("script: decoding tags into lua: %w", err)
	}

	fn := ls.GetGlobal("match")
	if fn.Type() != lua.LTFunction {
		return false, fmt.Errorf("script: predicate does not define a match(tags) function")
	}
	if err := ls.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, tagsTable); err != nil {
		return false, fmt.Errorf("script: running match: %w", err)
	}
	ret := ls.Get(-1)
	ls.Pop(1)
	return lua.LVAsBool(ret), nil
}

func (scriptPred) Describe(args []string) string {
	return "script(...)"
}
