package bundle

import (
	"context"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"tilefarm/internal/pkg/errors"
)

// FileReport describes one emitted file.
type FileReport struct {
	// Path is slash-separated and relative to the output dir.
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"blake3"`
}

// Report lists what a build wrote.
type Report struct {
	OutputDir string        `json:"output_dir"`
	Artifact  string        `json:"artifact"`
	Modules   []string      `json:"modules"`
	Files     []FileReport  `json:"files"`
	Duration  time.Duration `json:"duration_ns"`
}

// Build writes the bundle described by m, reading sources from srcDir.
// output.path is taken relative to srcDir unless absolute.
func Build(ctx context.Context, m *Manifest, srcDir string) (*Report, error) {
	const op = "bundle.build"
	start := time.Now()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	outDir := m.Output.Path
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(srcDir, outDir)
	}

	entryPath := filepath.Join(srcDir, filepath.FromSlash(m.Entry))
	entry, err := os.ReadFile(entryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("entry", m.Entry)
		}
		return nil, errors.Wrap(err, op, "read entry")
	}
	if !m.Experiments.TopLevelAwait && hasTopLevelAwait(string(entry)) {
		return nil, errors.ValidationField("experiments.topLevelAwait", "entry uses top-level await but the experiment is off").
			WithField("entry", m.Entry)
	}

	modules, err := collectModules(ctx, m, srcDir, outDir, entryPath)
	if err != nil {
		return nil, err
	}

	var artifact strings.Builder
	artifact.WriteString("// entry: " + path.Clean(filepath.ToSlash(m.Entry)) + "\n")
	artifact.Write(entry)
	if len(entry) > 0 && entry[len(entry)-1] != '\n' {
		artifact.WriteByte('\n')
	}
	rep := &Report{OutputDir: outDir, Artifact: m.Output.Filename}
	for _, mod := range modules {
		artifact.WriteString("\n// module: " + mod.path + "\n")
		artifact.WriteString(mod.js)
		artifact.WriteByte('\n')
		rep.Modules = append(rep.Modules, mod.path)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, op, "create output dir")
	}
	out := &emitter{dir: outDir, files: map[string]FileReport{}}
	if err := out.write(filepath.Join(outDir, filepath.FromSlash(m.Output.Filename)), []byte(artifact.String())); err != nil {
		return nil, err
	}

	for _, c := range m.Copy {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, op, "build interrupted")
		}
		if err := out.copyPattern(c, srcDir); err != nil {
			return nil, err
		}
	}

	if m.Experiments.AsyncWebAssembly {
		if err := out.copyWasm(filepath.Dir(entryPath)); err != nil {
			return nil, err
		}
	}

	rep.Files = out.report()
	rep.Duration = time.Since(start)
	return rep, nil
}

// collectModules runs the loader chain of the first matching rule over every
// source file, in path order. The entry and the output dir are skipped.
func collectModules(ctx context.Context, m *Manifest, srcDir, outDir, entryPath string) ([]*module, error) {
	if len(m.Rules) == 0 {
		return nil, nil
	}

	var mods []*module
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p == outDir || (p != srcDir && (d.Name() == "node_modules" || strings.HasPrefix(d.Name(), "."))) {
				return filepath.SkipDir
			}
			return nil
		}
		if p == entryPath || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		for _, r := range m.Rules {
			if !r.re.MatchString(rel) {
				continue
			}
			src, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			mod := &module{path: rel, source: src}
			if err := runLoaders(mod, r.Use); err != nil {
				return err
			}
			mods = append(mods, mod)
			break
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "bundle.modules", "collect modules")
	}
	return mods, nil
}

// emitter writes into the output dir and remembers what this build wrote.
// Files left over from earlier builds are not reported.
type emitter struct {
	dir   string
	files map[string]FileReport
}

func (e *emitter) copyPattern(c CopyPattern, srcDir string) error {
	outDir := e.dir
	from := filepath.FromSlash(c.From)
	matches, err := filepath.Glob(filepath.Join(srcDir, from))
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "bundle.copy", "bad copy glob").WithField("from", c.From)
	}
	if len(matches) == 0 {
		return errors.NotFound("copy source", c.From)
	}

	glob := strings.ContainsAny(c.From, "*?[")
	for _, src := range matches {
		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrap(err, "bundle.copy", "stat copy source")
		}
		if info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(srcDir, src)
		if err != nil {
			return errors.Wrap(err, "bundle.copy", "relative copy path")
		}

		dst := filepath.Join(outDir, rel)
		switch {
		case c.To != "" && glob:
			dst = filepath.Join(outDir, filepath.FromSlash(c.To), filepath.Base(src))
		case c.To != "":
			dst = filepath.Join(outDir, filepath.FromSlash(c.To))
		}
		if err := e.copyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// copyWasm copies the .wasm files that sit next to the entry.
func (e *emitter) copyWasm(entryDir string) error {
	wasm, err := filepath.Glob(filepath.Join(entryDir, "*.wasm"))
	if err != nil {
		return errors.Wrap(err, "bundle.wasm", "find wasm modules")
	}
	for _, src := range wasm {
		if err := e.copyFile(src, filepath.Join(e.dir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrap(err, "bundle.copy", "read copy source").WithField("src", src)
	}
	return e.write(dst, data)
}

func (e *emitter) write(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "bundle.write", "create directory").WithField("dst", dst)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return errors.Wrap(err, "bundle.write", "write file").WithField("dst", dst)
	}

	rel, err := filepath.Rel(e.dir, dst)
	if err != nil {
		return errors.Wrap(err, "bundle.write", "relative output path").WithField("dst", dst)
	}
	rel = filepath.ToSlash(rel)
	e.files[rel] = FileReport{Path: rel, Size: int64(len(data)), Digest: Digest(data)}
	return nil
}

// report lists the emitted files by path.
func (e *emitter) report() []FileReport {
	files := make([]FileReport, 0, len(e.files))
	for _, f := range e.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Digest is the hex blake3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
