package bundle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilefarm/internal/pkg/errors"
)

const viewerManifest = `
entry: ./index.js
output: {path: dist, filename: index.js}
rules:
  - test: '\.css$'
    use: [style-loader, css-loader]
  - test: '\.glsl$'
    use: [raw-loader]
copy:
  - from: index.html
  - from: 'assets/*.svg'
    to: img
experiments: {asyncWebAssembly: true, topLevelAwait: true}
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func viewerTree(t *testing.T, entry string) string {
	t.Helper()
	return writeTree(t, map[string]string{
		"index.js":           entry,
		"index.html":         "<!doctype html>\n<script src=\"index.js\"></script>\n",
		"style.css":          "body { background: #222; }\n",
		"shaders/tone.glsl":  "void main() {}\n",
		"notes.txt":          "not bundled",
		"assets/sun.svg":     "<svg>sun</svg>",
		"assets/moon.svg":    "<svg>moon</svg>",
		"tilefarm_bg.wasm":   "\x00asm\x01\x00\x00\x00",
		"node_modules/x.css": "ignored {}",
	})
}

func TestBuild(t *testing.T) {
	m, err := Parse([]byte(viewerManifest))
	require.NoError(t, err)

	src := viewerTree(t, "import init from './tilefarm.js';\nawait init();\n")
	rep, err := Build(context.Background(), m, src)
	require.NoError(t, err)

	out := filepath.Join(src, "dist")
	artifact, err := os.ReadFile(filepath.Join(out, "index.js"))
	require.NoError(t, err)
	a := string(artifact)
	assert.True(t, strings.HasPrefix(a, "// entry: index.js\nimport init"))
	assert.Contains(t, a, "// module: style.css")
	assert.Contains(t, a, `document.createElement("style")`)
	assert.Contains(t, a, `"body { background: #222; }\n"`)
	assert.Contains(t, a, "// module: shaders/tone.glsl")
	assert.Contains(t, a, `export default "void main() {}\n";`)
	assert.NotContains(t, a, "not bundled")
	assert.NotContains(t, a, "ignored")
	assert.Equal(t, []string{"shaders/tone.glsl", "style.css"}, rep.Modules)

	for name, from := range map[string]string{
		"index.html":       "index.html",
		"img/sun.svg":      "assets/sun.svg",
		"img/moon.svg":     "assets/moon.svg",
		"tilefarm_bg.wasm": "tilefarm_bg.wasm",
	} {
		want, err := os.ReadFile(filepath.Join(src, from))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	paths := make([]string, len(rep.Files))
	for i, f := range rep.Files {
		paths[i] = f.Path
		data, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(f.Path)))
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), f.Size)
		assert.Equal(t, Digest(data), f.Digest)
		assert.Len(t, f.Digest, 64)
	}
	assert.Equal(t, []string{"img/moon.svg", "img/sun.svg", "index.html", "index.js", "tilefarm_bg.wasm"}, paths)

	// a rebuild does not pick up its own output
	rep2, err := Build(context.Background(), m, src)
	require.NoError(t, err)
	assert.Equal(t, rep.Files, rep2.Files)

	// files from an earlier build stay on disk but are not reported
	require.NoError(t, os.WriteFile(filepath.Join(out, "stale.js"), []byte("old"), 0o644))
	rep3, err := Build(context.Background(), m, src)
	require.NoError(t, err)
	assert.Equal(t, rep.Files, rep3.Files)
	assert.FileExists(t, filepath.Join(out, "stale.js"))
}

func TestBuildTopLevelAwait(t *testing.T) {
	m, err := Parse([]byte(strings.Replace(viewerManifest, "topLevelAwait: true", "topLevelAwait: false", 1)))
	require.NoError(t, err)

	src := viewerTree(t, "await init();\n")
	_, err = Build(context.Background(), m, src)
	assert.True(t, errors.IsValidation(err))

	src = viewerTree(t, "async function run() {\n  await init();\n}\nrun();\n")
	_, err = Build(context.Background(), m, src)
	assert.NoError(t, err)
}

func TestBuildWithoutAsyncWasm(t *testing.T) {
	m, err := Parse([]byte(strings.Replace(viewerManifest, "asyncWebAssembly: true", "asyncWebAssembly: false", 1)))
	require.NoError(t, err)

	src := viewerTree(t, "run();\n")
	_, err = Build(context.Background(), m, src)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(src, "dist", "tilefarm_bg.wasm"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildErrors(t *testing.T) {
	m, err := Parse([]byte(viewerManifest))
	require.NoError(t, err)

	src := writeTree(t, map[string]string{"index.js": "run();"})
	_, err = Build(context.Background(), m, src)
	assert.True(t, errors.IsNotFound(err), "missing copy source")

	_, err = Build(context.Background(), m, t.TempDir())
	assert.True(t, errors.IsNotFound(err), "missing entry")

	styleOnly, err := Parse([]byte("entry: index.js\noutput: {path: dist, filename: out.js}\nrules: [{test: '\\.css$', use: [style-loader]}]\n"))
	require.NoError(t, err)
	src = writeTree(t, map[string]string{"index.js": "run();", "a.css": "p {}"})
	_, err = Build(context.Background(), styleOnly, src)
	assert.Error(t, err)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"missing entry", "output: {path: dist, filename: index.js}"},
		{"missing output path", "entry: index.js\noutput: {filename: index.js}"},
		{"missing filename", "entry: index.js\noutput: {path: dist}"},
		{"bad regexp", "entry: index.js\noutput: {path: dist, filename: a.js}\nrules: [{test: '(', use: [raw-loader]}]"},
		{"unknown loader", "entry: index.js\noutput: {path: dist, filename: a.js}\nrules: [{test: 'x', use: [sass-loader]}]"},
		{"no loaders", "entry: index.js\noutput: {path: dist, filename: a.js}\nrules: [{test: 'x'}]"},
		{"absolute copy", "entry: index.js\noutput: {path: dist, filename: a.js}\ncopy: [{from: /etc/passwd}]"},
		{"escaping copy", "entry: index.js\noutput: {path: dist, filename: a.js}\ncopy: [{from: ../secret}]"},
		{"unknown key", "entry: index.js\noutput: {path: dist, filename: a.js}\nplugins: []"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest))
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), err.Error())
		})
	}
}

func TestLoad(t *testing.T) {
	dir := writeTree(t, map[string]string{"tilefarm.bundle.yaml": viewerManifest})
	m, err := Load(filepath.Join(dir, "tilefarm.bundle.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./index.js", m.Entry)
	assert.Equal(t, Output{Path: "dist", Filename: "index.js"}, m.Output)
	assert.Equal(t, []string{"style-loader", "css-loader"}, m.Rules[0].Use)
	assert.True(t, m.Experiments.AsyncWebAssembly)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.IsNotFound(err))
}

func TestHasTopLevelAwait(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"await init();", true},
		{"const m = await import('./m.js');", true},
		{"async function f() { await g(); }", false},
		{"// await in a comment\nrun();", false},
		{"/* await */ run();", false},
		{"const s = 'await';", false},
		{"const awaited = 1;", false},
		{"class A { m() { return 1; } }\nawait A.load();", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hasTopLevelAwait(tt.src), tt.src)
	}
}
