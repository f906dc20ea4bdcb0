package checkout

import (
	"path/filepath"
	"strings"
)

// skipDirs are dropped whole: dependencies, build output and tooling.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".nuxt":        true,
	"coverage":     true,
	"__pycache__":  true,
	"target":       true,
}

var keepNames = map[string]bool{
	"readme":           true,
	"readme.md":        true,
	"readme.txt":       true,
	"package.json":     true,
	"go.mod":           true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"composer.json":    true,
	"cargo.toml":       true,
	"gemfile":          true,
	"pom.xml":          true,
	"build.gradle":     true,
}

var keepExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
	".vue": true, ".svelte": true,
	".go": true, ".py": true, ".rb": true, ".php": true,
	".java": true, ".kt": true, ".scala": true, ".rs": true, ".cs": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".swift": true,
}

// Keep reports whether a file is read by the analysis: READMEs, dependency
// manifests and source files. Minified bundles and type declarations are
// not.
func Keep(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if keepNames[name] {
		return true
	}
	if strings.HasSuffix(name, ".min.js") || strings.HasSuffix(name, ".d.ts") {
		return false
	}
	return keepExtensions[filepath.Ext(name)]
}
