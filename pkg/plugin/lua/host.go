package lua

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/plugin"
)

// hostModule builds the "host" table bridging pc into the script. Failed
// or denied operations return nil plus an error string.
func hostModule(L *lua.LState, pc plugin.Context) *lua.LTable {
	h := &hostBridge{pc: pc}
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"id":              h.id,
		"log":             h.log,
		"limits":          h.limits,
		"setting":         h.setting,
		"set_setting":     h.setSetting,
		"publish_glucose": h.publishGlucose,
		"publish_bgm":     h.publishBgm,
		"files_dir":       h.filesDir,
		"cache_dir":       h.cacheDir,
		"credential":      h.credential,
		"launch_screen":   h.launchScreen,
		"start_service":   h.startService,
		"system_service":  h.systemService,
		"query_content":   h.queryContent,
		"broadcast":       h.broadcast,
	})
	return mod
}

type hostBridge struct {
	pc plugin.Context
}

func callCtx(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func succeed(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}

func (h *hostBridge) id(L *lua.LState) int {
	L.Push(lua.LString(h.pc.PluginID()))
	return 1
}

func (h *hostBridge) log(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	lg := h.pc.Logger()
	switch level {
	case "debug":
		lg.Debug(msg)
	case "warn":
		lg.Warn(msg)
	case "error":
		lg.Error(msg)
	default:
		lg.Info(msg)
	}
	return 0
}

func (h *hostBridge) limits(L *lua.LState) int {
	L.Push(limitsValue(L, h.pc.SafetyLimits().Current()))
	return 1
}

func (h *hostBridge) setting(L *lua.LState) int {
	v, found, err := h.pc.Settings().Get(callCtx(L), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	if !found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (h *hostBridge) setSetting(L *lua.LState) int {
	if err := h.pc.Settings().Set(callCtx(L), L.CheckString(1), L.CheckString(2)); err != nil {
		return fail(L, err)
	}
	return succeed(L)
}

func (h *hostBridge) publish(L *lua.LState, e event.Event) int {
	if err := h.pc.Events().Publish(e); err != nil {
		return fail(L, err)
	}
	return succeed(L)
}

func (h *hostBridge) publishGlucose(L *lua.LState) int {
	return h.publish(L, event.NewGlucoseReading{
		Timestamp: time.Now().UTC(),
		ValueMgDl: L.CheckInt(1),
		Trend:     L.OptString(2, ""),
	})
}

func (h *hostBridge) publishBgm(L *lua.LState) int {
	return h.publish(L, event.NewBgmReading{
		Timestamp: time.Now().UTC(),
		ValueMgDl: L.CheckInt(1),
	})
}

func (h *hostBridge) filesDir(L *lua.LState) int {
	dir, err := h.pc.FilesDir()
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(dir))
	return 1
}

func (h *hostBridge) cacheDir(L *lua.LState) int {
	dir, err := h.pc.CacheDir()
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(dir))
	return 1
}

func (h *hostBridge) credential(L *lua.LState) int {
	creds, err := h.pc.Credentials()
	if err != nil {
		return fail(L, err)
	}
	secret, err := creds.Get(callCtx(L), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(secret))
	return 1
}

func (h *hostBridge) launchScreen(L *lua.LState) int {
	if err := h.pc.LaunchScreen(callCtx(L), L.CheckString(1), stringMap(L.OptTable(2, nil))); err != nil {
		return fail(L, err)
	}
	return succeed(L)
}

func (h *hostBridge) startService(L *lua.LState) int {
	if err := h.pc.StartService(callCtx(L), L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	return succeed(L)
}

func (h *hostBridge) systemService(L *lua.LState) int {
	if _, err := h.pc.SystemService(L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	return succeed(L)
}

func (h *hostBridge) queryContent(L *lua.LState) int {
	rows, err := h.pc.QueryContent(callCtx(L), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	tbl := L.NewTable()
	for _, row := range rows {
		r := L.NewTable()
		for k, v := range row {
			r.RawSetString(k, lua.LString(v))
		}
		tbl.Append(r)
	}
	L.Push(tbl)
	return 1
}

func (h *hostBridge) broadcast(L *lua.LState) int {
	if err := h.pc.Broadcast(callCtx(L), L.CheckString(1), stringMap(L.OptTable(2, nil))); err != nil {
		return fail(L, err)
	}
	return succeed(L)
}
