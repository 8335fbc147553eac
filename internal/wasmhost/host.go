// Package wasmhost runs compiled render modules under wazero.
//
// A render module is a WebAssembly binary exporting
//
//	alloc(len i32) -> ptr i32
//	dealloc(ptr i32, len i32)
//	render(ptr i32, len_words i32) -> i64
//
// render reads len_words little-endian u32 words at ptr and returns
// (png_ptr << 32) | png_len. A zero png_len means the module rejected the job.
package wasmhost

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
)

const (
	exportAlloc   = "alloc"
	exportDealloc = "dealloc"
	exportRender  = "render"
	exportMemory  = "memory"
)

// Config controls the wazero runtime a module runs in.
type Config struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. 0 keeps the wazero default.
	MemoryLimitPages uint32
	Log              *logger.Logger
}

// Module is one instantiated render module with its own runtime.
// It is not safe for concurrent use.
type Module struct {
	runtime wazero.Runtime
	mod     api.Module
	alloc   api.Function
	dealloc api.Function
	render  api.Function
	mem     api.Memory
	log     *logger.Logger
}

// Open reads, compiles and instantiates the module at path.
func Open(ctx context.Context, path string, cfg Config) (*Module, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.CodeNotFound, "wasmhost.open", "render module not found").
				WithField("path", path)
		}
		return nil, errors.Wrap(err, "wasmhost.open", "read render module").WithField("path", path)
	}
	return Compile(ctx, wasm, cfg)
}

// Compile compiles and instantiates wasm. It fails with FAILED_PRECONDITION
// when the module does not export the render ABI.
func Compile(ctx context.Context, wasm []byte, cfg Config) (*Module, error) {
	const op = "wasmhost.compile"
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("wasmhost")
	start := time.Now()

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)

	fail := func(err *errors.Error) (*Module, error) {
		_ = r.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		return fail(errors.WrapWithCode(err, errors.CodeFailedPrecondition, op, "invalid render module"))
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return fail(errors.Wrap(err, op, "instantiate wasi"))
	}

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fail(errors.Wrap(err, op, "instantiate render module"))
	}

	m := &Module{
		runtime: r,
		mod:     mod,
		alloc:   mod.ExportedFunction(exportAlloc),
		dealloc: mod.ExportedFunction(exportDealloc),
		render:  mod.ExportedFunction(exportRender),
		mem:     mod.ExportedMemory(exportMemory),
		log:     log,
	}

	var missing []string
	for name, fn := range map[string]api.Function{
		exportAlloc:   m.alloc,
		exportDealloc: m.dealloc,
		exportRender:  m.render,
	} {
		if fn == nil {
			missing = append(missing, name)
		}
	}
	if m.mem == nil {
		missing = append(missing, exportMemory)
	}
	if len(missing) > 0 {
		return fail(errors.FailedPrecondition("render module is missing exports").WithField("missing", missing))
	}

	log.Info("render module loaded",
		"size_bytes", len(wasm),
		"memory_limit_pages", cfg.MemoryLimitPages,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return m, nil
}

// Render runs one job through the module and returns the PNG it produced.
// When ctx ends mid-render the module is closed and later calls fail with
// UNAVAILABLE.
func (m *Module) Render(ctx context.Context, words []uint32) ([]byte, error) {
	const op = "wasmhost.render"

	if m.mod.IsClosed() {
		return nil, errors.Unavailable("render module")
	}

	size := uint32(len(words) * 4)
	res, err := m.alloc.Call(ctx, uint64(size))
	if err != nil {
		return nil, m.callErr(ctx, err, op, "alloc")
	}
	ptr := uint32(res[0])
	defer m.free(ctx, ptr, size)

	if !m.mem.Write(ptr, encodeWords(words)) {
		return nil, errors.Internalf("job buffer %d+%d is outside guest memory", ptr, size)
	}

	res, err = m.render.Call(ctx, uint64(ptr), uint64(len(words)))
	if err != nil {
		return nil, m.callErr(ctx, err, op, "render")
	}
	outPtr, outLen := unpack(res[0])
	if outLen == 0 {
		return nil, errors.New(errors.CodeValidation, "render module rejected the job")
	}
	defer m.free(ctx, outPtr, outLen)

	view, ok := m.mem.Read(outPtr, outLen)
	if !ok {
		return nil, errors.Internalf("result %d+%d is outside guest memory", outPtr, outLen)
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// free runs dealloc detached from ctx: an expired ctx would close the module.
func (m *Module) free(ctx context.Context, ptr, size uint32) {
	if m.mod.IsClosed() {
		return
	}
	if _, err := m.dealloc.Call(context.WithoutCancel(ctx), uint64(ptr), uint64(size)); err != nil {
		m.log.Warn("dealloc failed", "ptr", ptr, "size", size, "error", err.Error())
	}
}

func (m *Module) callErr(ctx context.Context, err error, op, fn string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.WrapWithCode(err, errors.ToReport(ctxErr).Code, op, fn+" interrupted")
	}
	return errors.Wrapf(err, op, "%s trapped", fn)
}

// Close releases the module and its runtime.
func (m *Module) Close(ctx context.Context) error {
	if err := m.runtime.Close(ctx); err != nil {
		return errors.Wrap(err, "wasmhost.close", "close runtime")
	}
	return nil
}

func encodeWords(words []uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
