// Package buildpack maps a source tree to the commands that build and
// start it. Detection is a prioritized list of pure predicates over the
// workspace file listing, so it needs no filesystem access and the first
// match wins.
package buildpack

import (
	"path"
	"strings"
)

// Buildpack describes one supported runtime.
type Buildpack struct {
	Name string

	// Manifests are the dependency manifest files, in preference order.
	// The first one present in the workspace feeds the cache key
	// fingerprint.
	Manifests []string

	// BuildCommand runs inside the workspace via `sh -c`. Empty means
	// nothing to compile.
	BuildCommand string

	// StartCommand launches the built slug.
	StartCommand string

	// CachePaths are the workspace-relative directories worth carrying
	// between builds of the same application.
	CachePaths []string

	detect func(files fileSet) bool
}

type fileSet map[string]struct{}

func (fs fileSet) has(name string) bool {
	_, ok := fs[strings.ToLower(name)]
	return ok
}

func (fs fileSet) hasAny(names ...string) bool {
	for _, n := range names {
		if fs.has(n) {
			return true
		}
	}
	return false
}

func (fs fileSet) hasExt(ext string) bool {
	for f := range fs {
		if path.Ext(f) == ext {
			return true
		}
	}
	return false
}

// Registry order is the detection priority. More specific runtimes come
// before generic ones; static is the terminal catch-all via fallback.
var registry = []Buildpack{
	{
		Name:         "dockerfile",
		Manifests:    []string{"Dockerfile"},
		StartCommand: "",
		detect:       func(fs fileSet) bool { return fs.has("dockerfile") },
	},
	{
		Name:         "node",
		Manifests:    []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "package.json"},
		BuildCommand: "if [ -f package-lock.json ]; then npm ci; else npm install; fi && npm run build --if-present",
		StartCommand: "npm start",
		CachePaths:   []string{"node_modules"},
		detect:       func(fs fileSet) bool { return fs.has("package.json") },
	},
	{
		Name:         "go",
		Manifests:    []string{"go.sum", "go.mod"},
		BuildCommand: "CGO_ENABLED=0 go build -o bin/app ./...",
		StartCommand: "./bin/app",
		detect:       func(fs fileSet) bool { return fs.has("go.mod") },
	},
	{
		Name:         "python",
		Manifests:    []string{"poetry.lock", "requirements.txt", "pyproject.toml"},
		BuildCommand: "python -m venv .venv && .venv/bin/pip install -r requirements.txt",
		StartCommand: ".venv/bin/python main.py",
		CachePaths:   []string{".venv"},
		detect: func(fs fileSet) bool {
			return fs.hasAny("requirements.txt", "pyproject.toml", "pipfile")
		},
	},
	{
		Name:         "ruby",
		Manifests:    []string{"Gemfile.lock", "Gemfile"},
		BuildCommand: "bundle install --jobs 4 --retry 3",
		StartCommand: "bundle exec puma -b tcp://0.0.0.0:3000",
		CachePaths:   []string{"vendor/bundle"},
		detect:       func(fs fileSet) bool { return fs.has("gemfile") },
	},
	{
		Name:         "java",
		Manifests:    []string{"pom.xml", "build.gradle", "build.gradle.kts"},
		BuildCommand: "if [ -f gradlew ]; then ./gradlew build -x test; else mvn -B package -DskipTests; fi",
		StartCommand: "java -jar app.jar",
		detect: func(fs fileSet) bool {
			return fs.hasAny("pom.xml", "build.gradle", "build.gradle.kts", "gradlew", "mvnw")
		},
	},
	{
		Name:         "static",
		Manifests:    []string{"index.html"},
		StartCommand: "",
		detect:       func(fs fileSet) bool { return fs.has("index.html") || fs.hasExt(".html") },
	},
}

// Detect returns the first buildpack whose predicate matches the listing
// of top-level workspace file names. When nothing matches it falls back
// to the named default, or to static if the default is unknown.
func Detect(files []string, fallback string) Buildpack {
	fs := make(fileSet, len(files))
	for _, f := range files {
		fs[strings.ToLower(f)] = struct{}{}
	}
	for _, bp := range registry {
		if bp.detect(fs) {
			return bp
		}
	}
	if bp, ok := Lookup(fallback); ok {
		return bp
	}
	bp, _ := Lookup("static")
	return bp
}

// Lookup returns the buildpack registered under name.
func Lookup(name string) (Buildpack, bool) {
	for _, bp := range registry {
		if bp.Name == name {
			return bp, true
		}
	}
	return Buildpack{}, false
}

// Manifest returns the first of the buildpack's manifest files present in
// the listing, or empty when none is.
func (bp Buildpack) Manifest(files []string) string {
	fs := make(fileSet, len(files))
	for _, f := range files {
		fs[strings.ToLower(f)] = struct{}{}
	}
	for _, m := range bp.Manifests {
		if fs.has(m) {
			return m
		}
	}
	return ""
}
