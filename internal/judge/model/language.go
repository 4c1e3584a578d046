package model

import "path/filepath"

// Language describes one catalog entry. Command templates carry the slots
// {executable} (compiled binary name), {input} (source file basename),
// {classname} (java entry class) and {memory} (effective memory limit in MiB);
// they are split into argv with shell-style quoting, never run via a shell.
type Language struct {
	Code            string `json:"code"`
	Display         string `json:"display"`
	Compiled        bool   `json:"compiled"`
	CompileTemplate string `json:"compile_template,omitempty"`
	RunTemplate     string `json:"run_template"`
	SourceFile      string `json:"source_file"`

	// Processes is the pid budget for the run stage. The JVM needs room
	// for its service threads; everything else runs single-process.
	Processes int `json:"-"`
}

// Ext returns the source file extension including the dot.
func (l Language) Ext() string {
	return filepath.Ext(l.SourceFile)
}

var languages = []Language{
	{
		Code:            "cpp",
		Display:         "C++17",
		Compiled:        true,
		CompileTemplate: "/usr/bin/g++ -O2 -std=c++17 -o {executable} {input}",
		RunTemplate:     "./{executable}",
		SourceFile:      "main.cpp",
		Processes:       1,
	},
	{
		Code:            "c",
		Display:         "C11",
		Compiled:        true,
		CompileTemplate: "/usr/bin/gcc -O2 -std=c11 -o {executable} {input} -lm",
		RunTemplate:     "./{executable}",
		SourceFile:      "main.c",
		Processes:       1,
	},
	{
		Code:            "java",
		Display:         "Java 17",
		Compiled:        true,
		CompileTemplate: "/usr/bin/javac {input}",
		RunTemplate:     "/usr/bin/java -Xmx{memory}m {classname}",
		SourceFile:      "Main.java",
		Processes:       64,
	},
	{
		Code:        "python",
		Display:     "Python 3",
		Compiled:    false,
		RunTemplate: "/usr/bin/python3 {input}",
		SourceFile:  "main.py",
		Processes:   1,
	},
	{
		Code:            "go",
		Display:         "Go",
		Compiled:        true,
		CompileTemplate: "/usr/local/go/bin/go build -o {executable} {input}",
		RunTemplate:     "./{executable}",
		SourceFile:      "main.go",
		Processes:       1,
	},
}

var languageIndex = func() map[string]Language {
	index := make(map[string]Language, len(languages))
	for _, lang := range languages {
		index[lang.Code] = lang
	}
	return index
}()

// Languages returns the catalog in stable order.
func Languages() []Language {
	out := make([]Language, len(languages))
	copy(out, languages)
	return out
}

// LanguageByCode looks up a catalog entry.
func LanguageByCode(code string) (Language, bool) {
	lang, ok := languageIndex[code]
	return lang, ok
}
