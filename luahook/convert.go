package luahook

import (
	"fmt"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	lua "github.com/yuin/gopher-lua"
)

func recordToTable(L *lua.LState, rec humanfn.ExecutionRecord) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "execution_id", lua.LString(rec.ExecutionID))
	L.SetField(tbl, "function_name", lua.LString(rec.FunctionName))
	L.SetField(tbl, "status", lua.LString(string(rec.Status)))
	L.SetField(tbl, "channel", lua.LString(rec.Channel))
	L.SetField(tbl, "assigned_to", lua.LString(rec.AssignedTo))
	L.SetField(tbl, "responded_by", lua.LString(rec.RespondedBy))
	L.SetField(tbl, "attempts", lua.LNumber(rec.Attempts))
	L.SetField(tbl, "max_retries", lua.LNumber(rec.MaxRetries))
	L.SetField(tbl, "created_at", lua.LString(rec.CreatedAt.UTC().Format(time.RFC3339)))
	L.SetField(tbl, "timeout_at", lua.LString(rec.TimeoutAt.UTC().Format(time.RFC3339)))
	L.SetField(tbl, "input", goToLua(L, rec.Input))
	L.SetField(tbl, "output", goToLua(L, rec.Output))
	L.SetField(tbl, "metadata", goToLua(L, rec.Metadata))
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		normalized, err := humanfn.NormalizeJSON(val)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", val))
		}
		return goToLua(L, normalized)
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(key, value lua.LValue) {
			out[key.String()] = luaToGo(value)
		})
		return out
	default:
		return v.String()
	}
}
