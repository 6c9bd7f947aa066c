package ingest

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// Import extraction is regex-based on purpose: it runs on every
// ingested file, tolerates syntax errors, and only needs to find edge
// candidates, not parse the language.
var (
	goImportSingleRE = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`)
	goImportBlockRE  = regexp.MustCompile(`(?ms)^\s*import\s*\((.*?)\)`)
	goQuotedRE       = regexp.MustCompile(`"([^"]+)"`)

	pyImportRE = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)`)
	pyFromRE   = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`)

	jsImportRE  = regexp.MustCompile(`(?m)import\s+(?:[^'"]*?from\s+)?['"]([^'"]+)['"]`)
	jsRequireRE = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	jsExportRE  = regexp.MustCompile(`(?m)export\s+[^'"]*?from\s+['"]([^'"]+)['"]`)
)

// ExtractImports returns the raw import targets referenced by a source
// file, deduplicated in order of first appearance. Files in languages
// without extraction support return nil.
func ExtractImports(relPath, content string) []string {
	switch strings.ToLower(path.Ext(relPath)) {
	case ".go":
		return dedup(goImports(content))
	case ".py":
		return dedup(pyImports(content))
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		return dedup(jsImports(content))
	default:
		return nil
	}
}

func goImports(content string) []string {
	var out []string
	for _, m := range goImportSingleRE.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	for _, block := range goImportBlockRE.FindAllStringSubmatch(content, -1) {
		for _, m := range goQuotedRE.FindAllStringSubmatch(block[1], -1) {
			out = append(out, m[1])
		}
	}
	return out
}

func pyImports(content string) []string {
	var out []string
	for _, m := range pyImportRE.FindAllStringSubmatch(content, -1) {
		// "import a, b" names several modules on one line.
		for _, mod := range strings.Split(m[1], ",") {
			if mod = strings.TrimSpace(mod); mod != "" {
				out = append(out, mod)
			}
		}
	}
	for _, m := range pyFromRE.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	return out
}

func jsImports(content string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{jsImportRE, jsRequireRE, jsExportRE} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			out = append(out, m[1])
		}
	}
	return out
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ResolveImports maps a file's raw import strings to the rel paths of
// other ingested documents (known). Unresolvable imports are dropped;
// a file never resolves to itself.
func ResolveImports(relPath string, imports []string, known map[string]bool) []string {
	seen := map[string]bool{relPath: true}
	var out []string
	add := func(p string) {
		if known[p] && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	ext := strings.ToLower(path.Ext(relPath))
	for _, imp := range imports {
		switch ext {
		case ".go":
			// Go imports are module paths; match them to ingested
			// directories by path suffix.
			for _, p := range suffixDirMatches(imp, known) {
				add(p)
			}
		case ".py":
			for _, c := range pyCandidates(relPath, imp) {
				add(c)
			}
		case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
			target := imp
			if strings.HasPrefix(imp, "./") || strings.HasPrefix(imp, "../") {
				target = path.Join(path.Dir(relPath), imp)
			}
			for _, c := range jsCandidates(target) {
				add(c)
			}
		default:
			add(imp)
		}
	}
	return out
}

// jsCandidates expands an import target into the file paths a JS/TS
// resolver would try.
func jsCandidates(target string) []string {
	target = path.Clean(target)
	out := []string{target}
	for _, e := range []string{".js", ".ts", ".jsx", ".tsx", ".mjs", ".cjs"} {
		out = append(out, target+e)
	}
	return append(out, target+"/index.js", target+"/index.ts")
}

// pyCandidates turns a dotted module into file path candidates,
// honoring leading-dot relative imports.
func pyCandidates(relPath, imp string) []string {
	dots := 0
	for dots < len(imp) && imp[dots] == '.' {
		dots++
	}
	rest := strings.ReplaceAll(imp[dots:], ".", "/")
	if rest == "" {
		return nil
	}

	target := rest
	if dots > 0 {
		base := path.Dir(relPath)
		for i := 1; i < dots; i++ {
			base = path.Dir(base)
		}
		target = path.Join(base, rest)
	}
	return []string{target + ".py", target + "/__init__.py"}
}

// suffixDirMatches finds ingested files whose directory is a path
// suffix of the import string.
func suffixDirMatches(imp string, known map[string]bool) []string {
	var matches []string
	for p := range known {
		dir := path.Dir(p)
		if dir == "." {
			continue
		}
		if imp == dir || strings.HasSuffix(imp, "/"+dir) {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches
}
