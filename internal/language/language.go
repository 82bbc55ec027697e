// Package language describes the editor languages and how each one runs.
package language

import (
	"sort"
	"strings"
)

// A supported editor language
type Language string

const (
	HTML       Language = "html"
	React      Language = "react"
	JavaScript Language = "javascript"
	Python     Language = "python"
	Java       Language = "java"
	CPP        Language = "cpp"
	C          Language = "c"
	Ruby       Language = "ruby"
	SQL        Language = "msql"
	CSS        Language = "css"
)

// Runtime describes where code in a language gets executed
type Runtime int

const (
	// Not runnable
	RuntimeNone Runtime = iota

	// Submitted to the remote execution sandbox
	RuntimeSandbox

	// Run against a fresh in-memory SQL engine
	RuntimeSQL

	// Returned as-is for client-side rendering
	RuntimePreview
)

// Template is a starter file created with a new file set
type Template struct {
	Filename string
	Code     string
}

// PlaceholderFile is the single starter file for unrecognized languages
var PlaceholderFile = Template{Filename: "file.txt", Code: ""}

type definition struct {
	aliases   []string
	runtime   Runtime
	sandboxID string
	extension string
	icon      string
	templates []Template
}

var definitions = map[Language]definition{
	HTML: {
		runtime:   RuntimePreview,
		extension: "html",
		icon:      "https://cdn-icons-png.flaticon.com/128/1051/1051277.png",
		templates: []Template{
			{Filename: "index.html", Code: htmlIndex},
			{Filename: "styles.css", Code: "body { font-family: Arial; }"},
			{Filename: "script.js", Code: "console.log('Hello from HTML JS');"},
		},
	},
	React: {
		runtime:   RuntimePreview,
		extension: "js",
		icon:      "https://cdn-icons-png.flaticon.com/128/3459/3459528.png",
		templates: []Template{
			{Filename: "index.html", Code: reactIndex},
			{Filename: "app.js", Code: reactApp},
			{Filename: "styles.css", Code: "body { background:#f8f9fa; font-family:Arial; }"},
		},
	},
	JavaScript: {
		aliases:   []string{"js", "node", "nodejs"},
		runtime:   RuntimeSandbox,
		sandboxID: "nodejs",
		extension: "js",
		icon:      "https://cdn-icons-png.flaticon.com/128/1199/1199124.png",
		templates: []Template{{Filename: "index.js", Code: "console.log('Hello JS');"}},
	},
	Python: {
		aliases:   []string{"py", "python3"},
		runtime:   RuntimeSandbox,
		sandboxID: "python3",
		extension: "py",
		icon:      "https://cdn-icons-png.flaticon.com/128/5968/5968350.png",
		templates: []Template{{Filename: "main.py", Code: "print('Hello Python')"}},
	},
	Java: {
		runtime:   RuntimeSandbox,
		sandboxID: "java",
		extension: "java",
		icon:      "https://cdn-icons-png.flaticon.com/128/5968/5968282.png",
		templates: []Template{{Filename: "Main.java", Code: javaMain}},
	},
	CPP: {
		aliases:   []string{"c++"},
		runtime:   RuntimeSandbox,
		sandboxID: "cpp",
		extension: "cpp",
		icon:      "https://cdn-icons-png.flaticon.com/128/6132/6132222.png",
		templates: []Template{{Filename: "Main.cpp", Code: "#include <iostream>\nint main(){ std::cout << \"Hello C++\"; }"}},
	},
	C: {
		runtime:   RuntimeSandbox,
		sandboxID: "c",
		extension: "c",
		icon:      "https://cdn-icons-png.flaticon.com/128/3665/3665923.png",
		templates: []Template{{Filename: "main.c", Code: "#include <stdio.h>\nint main(){ printf(\"Hello C\"); }"}},
	},
	Ruby: {
		aliases:   []string{"rb"},
		runtime:   RuntimeSandbox,
		sandboxID: "ruby",
		extension: "rb",
		icon:      "https://cdn-icons-png.flaticon.com/128/919/919842.png",
		templates: []Template{{Filename: "main.rb", Code: "puts 'Hello, Ruby!'"}},
	},
	SQL: {
		aliases:   []string{"sql", "mysql"},
		runtime:   RuntimeSQL,
		extension: "sql",
		icon:      "https://cdn-icons-png.flaticon.com/128/15484/15484291.png",
		templates: []Template{{Filename: "query.sql", Code: "SELECT 'Hello from SQL!' AS message;"}},
	},
	CSS: {
		runtime:   RuntimeNone,
		extension: "css",
		templates: []Template{{Filename: "styles.css", Code: "body { background:white; }"}},
	},
}

var aliases = buildAliases()

func buildAliases() map[string]Language {
	m := make(map[string]Language)
	for lang, def := range definitions {
		m[string(lang)] = lang
		for _, alias := range def.aliases {
			m[alias] = lang
		}
	}
	return m
}

// Parse resolves a language name or alias, case-insensitively
func Parse(name string) (Language, bool) {
	lang, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	return lang, ok
}

// Normalize returns the canonical name for a known language and the
// trimmed lowercase name otherwise
func Normalize(name string) string {
	if lang, ok := Parse(name); ok {
		return string(lang)
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultFiles returns fresh starter files for the named language.
// Unknown languages get the empty placeholder.
func DefaultFiles(name string) []Template {
	lang, ok := Parse(name)
	if !ok {
		return []Template{PlaceholderFile}
	}
	src := definitions[lang].templates
	out := make([]Template, len(src))
	copy(out, src)
	return out
}

func (l Language) Runtime() Runtime {
	return definitions[l].runtime
}

// SandboxID is the language identifier the execution sandbox expects
func (l Language) SandboxID() string {
	return definitions[l].sandboxID
}

func (l Language) Extension() string {
	return definitions[l].extension
}

func (l Language) Icon() string {
	return definitions[l].icon
}

// Editor lists the languages offered on the editor home page, in display order
func Editor() []Language {
	return []Language{HTML, React, JavaScript, Python, Java, CPP, C, Ruby, SQL}
}

// All returns every known language sorted by name
func All() []Language {
	out := make([]Language, 0, len(definitions))
	for lang := range definitions {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const htmlIndex = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Hello HTML</title>
<link rel="stylesheet" href="styles.css">
</head>
<body>
<h1>Hello HTML</h1>
<script src="script.js"></script>
</body>
</html>`

const reactIndex = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<title>React App</title>
<div id="root"></div>
<script src="https://unpkg.com/react@18/umd/react.development.js"></script>
<script src="https://unpkg.com/react-dom@18/umd/react-dom.development.js"></script>
<script src="app.js"></script>
</head>
<body>
</body>
</html>`

const reactApp = `const root = ReactDOM.createRoot(document.getElementById('root'));
root.render(React.createElement('h1', null, 'Hello from React!'));
`

const javaMain = `public class Main {
    public static void main(String[] args){
        System.out.println("Hello Java");
    }
}`
