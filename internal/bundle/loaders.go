package bundle

import (
	"encoding/json"
	"unicode/utf8"

	"tilefarm/internal/pkg/errors"
)

// module is one source file on its way through a loader chain.
type module struct {
	path   string
	source []byte
	js     string
	css    bool
}

type loader func(m *module) error

var loaders = map[string]loader{
	"css-loader":   cssLoader,
	"style-loader": styleLoader,
	"raw-loader":   rawLoader,
}

func quoteJS(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func text(m *module) (string, error) {
	if !utf8.Valid(m.source) {
		return "", errors.Validation("source is not UTF-8 text").WithField("file", m.path)
	}
	return string(m.source), nil
}

// cssLoader turns a stylesheet into a module exporting it as a string.
func cssLoader(m *module) error {
	s, err := text(m)
	if err != nil {
		return err
	}
	m.js = "export default " + quoteJS(s) + ";"
	m.css = true
	return nil
}

// styleLoader injects css-loader output into the page head.
func styleLoader(m *module) error {
	if !m.css {
		return errors.Validation("style-loader must follow css-loader").WithField("file", m.path)
	}
	m.js = "(function () {\n" +
		"  var style = document.createElement(\"style\");\n" +
		"  style.setAttribute(\"data-source\", " + quoteJS(m.path) + ");\n" +
		"  style.textContent = " + quoteJS(string(m.source)) + ";\n" +
		"  document.head.appendChild(style);\n" +
		"})();"
	return nil
}

func rawLoader(m *module) error {
	s, err := text(m)
	if err != nil {
		return err
	}
	m.js = "export default " + quoteJS(s) + ";"
	return nil
}

// runLoaders applies use right to left, as the manifest lists them.
func runLoaders(m *module, use []string) error {
	for i := len(use) - 1; i >= 0; i-- {
		if err := loaders[use[i]](m); err != nil {
			return err
		}
	}
	return nil
}
