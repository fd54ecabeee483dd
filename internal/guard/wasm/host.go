package wasm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Guest log levels accepted by guard_host.log.
const (
	logTrace = iota
	logDebug
	logInfo
	logWarn
	logError
)

// hostEnv is the state bound into one guard's host functions.
type hostEnv struct {
	logger *zap.Logger
	config map[string]any
	now    func() time.Time
}

// instantiateHost registers the guard_host module on rt.
func (e *hostEnv) instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(e.log).Export("log").
		NewFunctionBuilder().WithFunc(e.getTime).Export("get_time").
		NewFunctionBuilder().WithFunc(e.getConfig).Export("get_config").
		Instantiate(ctx)
	return err
}

func (e *hostEnv) log(_ context.Context, m api.Module, level, ptr, length uint32) {
	msg, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.logger.Warn("guest log message out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		return
	}
	text := string(msg)
	switch {
	case level <= logDebug:
		e.logger.Debug(text)
	case level == logInfo:
		e.logger.Info(text)
	case level == logWarn:
		e.logger.Warn(text)
	default:
		e.logger.Error(text)
	}
}

func (e *hostEnv) getTime(context.Context) uint64 {
	return uint64(e.now().UnixMilli())
}

// getConfig copies the config value for a key into guest memory through
// the guest's allocator. It returns 0 when the key is absent. Non-string
// values are JSON encoded.
func (e *hostEnv) getConfig(ctx context.Context, m api.Module, kptr, klen uint32) uint64 {
	key, ok := m.Memory().Read(kptr, klen)
	if !ok {
		return 0
	}
	v, ok := e.config[string(key)]
	if !ok {
		return 0
	}
	var value []byte
	if s, isString := v.(string); isString {
		value = []byte(s)
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		value = b
	}

	res, err := m.ExportedFunction(AllocExport).Call(ctx, uint64(len(value)))
	if err != nil {
		e.logger.Warn("guest alloc failed in get_config", zap.Error(err))
		return 0
	}
	ptr := uint32(res[0])
	if !m.Memory().Write(ptr, value) {
		return 0
	}
	return pack(ptr, uint32(len(value)))
}
