package plugin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// HostModuleName is the import namespace guests link against
const HostModuleName = "hostwatch"

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB)
const DefaultMemoryLimitPages = 160

// WASMRuntime runs plugins compiled to WebAssembly. The host module exposes:
//
//	emit(kind, ptr, len)    kind 0 report, 1 alert, 2 error, 3 summary; JSON object
//	remember(ptr, len)      JSON object kept for the next run
//	input_size() i32        size of the input document
//	input_read(ptr)         copies the input document into guest memory
//	log(level, ptr, len)    level 0 debug, 1 info, 2 warn, 3 error
//
// Guests export "run" and "memory".
type WASMRuntime struct {
	runtime wazero.Runtime
	logger  *zap.Logger
}

// NewWASMRuntime creates the shared engine and instantiates the host module
func NewWASMRuntime(ctx context.Context, logger *zap.Logger) (*WASMRuntime, error) {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(DefaultMemoryLimitPages).
		WithCloseOnContextDone(true)

	r := &WASMRuntime{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		logger:  logger,
	}

	builder := r.runtime.NewHostModuleBuilder(HostModuleName)
	builder.NewFunctionBuilder().WithFunc(r.hostEmit).Export("emit")
	builder.NewFunctionBuilder().WithFunc(r.hostRemember).Export("remember")
	builder.NewFunctionBuilder().WithFunc(r.hostInputSize).Export("input_size")
	builder.NewFunctionBuilder().WithFunc(r.hostInputRead).Export("input_read")
	builder.NewFunctionBuilder().WithFunc(r.hostLog).Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		r.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return r, nil
}

// Kind implements Runtime
func (r *WASMRuntime) Kind() RuntimeKind {
	return RuntimeWASM
}

// Close releases the engine and every module compiled by it
func (r *WASMRuntime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

var base64Space = regexp.MustCompile(`[\s#]+`)

// Compile decodes the base64 module body and compiles it
func (r *WASMRuntime) Compile(ctx context.Context, code string) (Program, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Space.ReplaceAllString(code, ""))
	if err != nil {
		return nil, &CompileError{Message: fmt.Sprintf("module body is not base64: %v", err)}
	}

	compiled, err := r.runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, &CompileError{Message: fmt.Sprintf("compile wasm module: %v", err)}
	}
	return &wasmProgram{runtime: r.runtime, compiled: compiled, logger: r.logger}, nil
}

type wasmProgram struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   *zap.Logger
}

func (p *wasmProgram) Close(ctx context.Context) error {
	return p.compiled.Close(ctx)
}

// session is the per-run state host functions operate on
type session struct {
	input []byte
	data  Data
	err   error
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

// Run instantiates a fresh module, calls run and closes the instance
func (p *wasmProgram) Run(ctx context.Context, in Input) (Data, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return Data{}, &LoadError{Message: fmt.Sprintf("failed to encode input: %v", err)}
	}

	sess := &session{input: input}
	ctx = context.WithValue(ctx, sessionKey{}, sess)

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName("plugin-"+uuid.NewString()).WithStartFunctions())
	if err != nil {
		if ctx.Err() != nil {
			return Data{}, ctx.Err()
		}
		return Data{}, &LoadError{Message: fmt.Sprintf("instantiate wasm module: %v", err)}
	}
	defer mod.Close(context.Background())

	run := mod.ExportedFunction("run")
	if run == nil {
		return Data{}, &LoadError{Message: "module does not export run"}
	}

	if _, err := run.Call(ctx); err != nil {
		if ctx.Err() != nil {
			return Data{}, ctx.Err()
		}
		return Data{}, &RuntimeError{Class: "Trap", Message: err.Error()}
	}
	if sess.err != nil {
		return Data{}, &RuntimeError{Class: "MalformedOutput", Message: sess.err.Error()}
	}
	return sess.data, nil
}

func readObject(mod api.Module, ptr, length uint32) (map[string]any, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.New("module has no memory")
	}
	raw, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: ptr=%d len=%d", ptr, length)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return obj, nil
}

func (r *WASMRuntime) hostEmit(ctx context.Context, mod api.Module, kind, ptr, length uint32) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return
	}
	if kind > uint32(KindSummary) {
		sess.err = fmt.Errorf("unknown output kind %d", kind)
		return
	}
	obj, err := readObject(mod, ptr, length)
	if err != nil {
		sess.err = fmt.Errorf("emit %s: %w", Kind(kind), err)
		return
	}
	sess.data.add(Kind(kind), obj)
}

func (r *WASMRuntime) hostRemember(ctx context.Context, mod api.Module, ptr, length uint32) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return
	}
	obj, err := readObject(mod, ptr, length)
	if err != nil {
		sess.err = fmt.Errorf("remember: %w", err)
		return
	}
	sess.data.Memory = obj
}

func (r *WASMRuntime) hostInputSize(ctx context.Context) uint32 {
	sess := sessionFrom(ctx)
	if sess == nil {
		return 0
	}
	return uint32(len(sess.input))
}

func (r *WASMRuntime) hostInputRead(ctx context.Context, mod api.Module, ptr uint32) {
	sess := sessionFrom(ctx)
	if sess == nil || mod.Memory() == nil {
		return
	}
	if !mod.Memory().Write(ptr, sess.input) {
		sess.err = fmt.Errorf("input_read out of bounds: ptr=%d", ptr)
	}
}

func (r *WASMRuntime) hostLog(ctx context.Context, mod api.Module, level, ptr, length uint32) {
	if mod.Memory() == nil {
		return
	}
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		r.logger.Warn("Plugin log message out of bounds")
		return
	}
	msg := string(raw)
	switch level {
	case 0:
		r.logger.Debug("Plugin log", zap.String("msg", msg))
	case 2:
		r.logger.Warn("Plugin log", zap.String("msg", msg))
	case 3:
		r.logger.Error("Plugin log", zap.String("msg", msg))
	default:
		r.logger.Info("Plugin log", zap.String("msg", msg))
	}
}
