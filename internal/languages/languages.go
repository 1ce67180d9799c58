package languages

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownLanguage is returned by Lookup for keys missing from the catalog.
var ErrUnknownLanguage = errors.New("unknown language")

// Descriptor tells the in-image launcher how to build and run one language.
type Descriptor struct {
	Key           string `yaml:"key"`
	Name          string `yaml:"name"`
	Compiler      string `yaml:"compiler"`
	CompileTarget string `yaml:"compile_target"` // source filename handed to the compiler, e.g. "file.cpp"
	RunTarget     string `yaml:"run_target"`     // empty for interpreters
	RuntimeArgs   string `yaml:"runtime_args"`
}

// Extension returns the compile target's extension, starting at the first dot.
func (d Descriptor) Extension() string {
	i := strings.Index(d.CompileTarget, ".")
	if i < 0 {
		return ""
	}
	return d.CompileTarget[i:]
}

// Catalog is a read-only language table keyed by Descriptor.Key.
type Catalog map[string]Descriptor

// Lookup returns the descriptor registered under key.
func (c Catalog) Lookup(key string) (Descriptor, error) {
	d, ok := c[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, key)
	}
	return d, nil
}

// Keys returns the registered language keys in sorted order.
func (c Catalog) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type catalogFile struct {
	Languages []Descriptor `yaml:"languages"`
}

// LoadFile reads a YAML language table and merges it over the built-in defaults.
// Entries in the file replace defaults with the same key.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading language table %s: %w", path, err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing language table %s: %w", path, err)
	}

	c := Defaults()
	for i, d := range f.Languages {
		if d.Key == "" {
			return nil, fmt.Errorf("parsing language table %s: entry %d has no key", path, i)
		}
		if d.CompileTarget == "" {
			return nil, fmt.Errorf("parsing language table %s: %q has no compile_target", path, d.Key)
		}
		c[d.Key] = d
	}
	return c, nil
}

// Defaults returns the built-in language table understood by the stock launcher script.
// Each field reaches the launcher as one argument, which it word-splits, so
// entries carry no shell quoting.
func Defaults() Catalog {
	table := []Descriptor{
		{Key: "python", Name: "Python", Compiler: "python", CompileTarget: "file.py"},
		{Key: "ruby", Name: "Ruby", Compiler: "ruby", CompileTarget: "file.rb"},
		{Key: "clojure", Name: "Clojure", Compiler: "clojure", CompileTarget: "file.clj"},
		{Key: "php", Name: "Php", Compiler: "php", CompileTarget: "file.php"},
		{Key: "nodejs", Name: "Nodejs", Compiler: "nodejs", CompileTarget: "file.js"},
		{Key: "scala", Name: "Scala", Compiler: "scala", CompileTarget: "file.scala"},
		{Key: "go", Name: "Go", Compiler: "go run", CompileTarget: "file.go"},
		{Key: "c", Name: "C", Compiler: "gcc -o /usercode/a.out", CompileTarget: "file.c", RunTarget: "/usercode/a.out"},
		{Key: "cpp", Name: "C/C++", Compiler: "g++ -o /usercode/a.out", CompileTarget: "file.cpp", RunTarget: "/usercode/a.out"},
		{Key: "java", Name: "Java", Compiler: "javac", CompileTarget: "file.java", RunTarget: "./usercode/javaRunner.sh"},
		{Key: "vbnet", Name: "VB.Net", Compiler: "vbnc -nologo -quiet", CompileTarget: "file.vb", RunTarget: "mono /usercode/file.exe"},
		{Key: "csharp", Name: "C#", Compiler: "gmcs", CompileTarget: "file.cs", RunTarget: "mono /usercode/file.exe"},
		{Key: "bash", Name: "Bash", Compiler: "/bin/bash", CompileTarget: "file.sh"},
		{Key: "objc", Name: "Objective-C", Compiler: "gcc", CompileTarget: "file.m", RunTarget: "/usercode/a.out", RuntimeArgs: "-o /usercode/a.out -I/usr/include/GNUstep -L/usr/lib/GNUstep -lobjc -lgnustep-base -Wall -fconstant-string-class=NSConstantString"},
		{Key: "mysql", Name: "MySQL", Compiler: "/usercode/sql_runner.sh", CompileTarget: "file.sql"},
		{Key: "perl", Name: "Perl", Compiler: "perl", CompileTarget: "file.pl"},
		{Key: "rust", Name: "Rust", Compiler: "env HOME=/opt/rust /opt/rust/.cargo/bin/rustc", CompileTarget: "file.rs", RunTarget: "/usercode/a.out", RuntimeArgs: "-o /usercode/a.out"},
	}

	c := make(Catalog, len(table))
	for _, d := range table {
		c[d.Key] = d
	}
	return c
}
