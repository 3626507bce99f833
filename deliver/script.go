package deliver

import (
	"encoding/json"
	"fmt"

	luajson "github.com/inbucket/gopher-json"
	lua "github.com/yuin/gopher-lua"
)

// scriptBackend runs a user-supplied Lua script against the mail's tag
// map, in-child, symmetric with match.scriptPred's predicate. The script
// must define a global function `deliver(tags)`; a false return (or a
// Lua error) fails the action.
type scriptBackend struct{}

func init() { Register("script", scriptBackend{}) }

func (scriptBackend) Kind() Kind { return TypeInChild }

// Deliver expects Params["Script"] to hold the Lua source.
func (scriptBackend) Deliver(ctx *DeliverCtx) error {
	source := ctx.Params["Script"]
	if source == "" {
		return fmt.Errorf("script: Script parameter required")
	}

	ls := lua.NewState()
	defer ls.Close()
	ls.PreloadModule("json", luajson.Loader)

	if err := ls.DoString(source); err != nil {
		return fmt.Errorf("script: loading script: %w", err)
	}

	tags := make(map[string]string)
	for _, k := range ctx.Mail.Tags.Keys() {
		tags[k], _ = ctx.Mail.Tags.Get(k)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("script: marshalling tags: %w", err)
	}
	tagsTable, err := luajson.Decode(ls, tagsJSON)
	if err != nil {
		return fmt.Errorf("script: decoding tags into lua: %w", err)
	}

	fn := ls.GetGlobal("deliver")
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("script: script does not define a deliver(tags) function")
	}
	if err := ls.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, tagsTable); err != nil {
		return fmt.Errorf("script: running deliver: %w", err)
	}
	ret := ls.Get(-1)
	ls.Pop(1)
	if ret != lua.LNil && !lua.LVAsBool(ret) {
		return fmt.Errorf("script: deliver(tags) returned false")
	}
	return nil
}
