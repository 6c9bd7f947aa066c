package stage

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// Directory names that are never worth staging.
var excludedDirNames = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	".idea":        true,
	".vscode":      true,
}

var excludedFileNames = map[string]bool{
	".DS_Store": true,
	"Thumbs.db": true,
}

// Extensions read as plain text at ingest time.
var textExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".java": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".cc": true, ".cs": true, ".rb": true, ".rs": true,
	".php": true, ".swift": true, ".kt": true, ".scala": true, ".sh": true,
	".bash": true, ".zsh": true, ".sql": true, ".r": true, ".lua": true,
	".pl": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".xml": true, ".md": true, ".markdown": true, ".txt": true, ".rst": true,
	".ini": true, ".cfg": true, ".conf": true, ".env": true, ".proto": true,
	".graphql": true, ".tf": true, ".dockerfile": true, ".mod": true,
	".sum": true, ".csv": true, ".tsv": true, ".css": true, ".scss": true,
}

// Extensions that need a text extraction step but are still ingestible.
var documentExtensions = map[string]bool{
	".pdf": true, ".html": true, ".htm": true,
}

// Extensions always treated as binary without sniffing.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".svg": true, ".webp": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".o": true, ".a": true, ".class": true, ".jar": true, ".war": true,
	".pyc": true, ".pyo": true, ".woff": true, ".woff2": true, ".ttf": true,
	".eot": true, ".otf": true, ".mp3": true, ".mp4": true, ".avi": true,
	".mov": true, ".mkv": true, ".webm": true, ".wav": true, ".flac": true,
	".ogg": true, ".sqlite": true, ".db": true, ".parquet": true,
}

const sniffBytes = 512

// Scanner builds selection trees from the filesystem. A scan is one-shot:
// the resulting tree is a snapshot, replaced wholesale by the next scan.
type Scanner struct {
	excludeGlobs []string
	useGitignore bool
	logger       *slog.Logger
}

// NewScanner creates a Scanner. excludeGlobs are doublestar patterns
// matched against slash-separated rel paths; useGitignore controls whether
// a .gitignore at the scan root is honored.
func NewScanner(excludeGlobs []string, useGitignore bool) (*Scanner, error) {
	for _, g := range excludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclude pattern %q", g)
		}
	}
	return &Scanner{
		excludeGlobs: excludeGlobs,
		useGitignore: useGitignore,
		logger:       slog.Default(),
	}, nil
}

// Scan walks root and returns the selection tree. Files default to checked,
// binaries to unchecked; excluded directories are left out entirely and
// empty directories are pruned. Children are sorted folders first, then
// case-insensitively by name.
func (s *Scanner) Scan(root string) (*Node, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scan root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	var ignore *gitignore.GitIgnore
	if s.useGitignore {
		if gi, err := gitignore.CompileIgnoreFile(filepath.Join(abs, ".gitignore")); err == nil {
			ignore = gi
		}
	}

	node, err := s.scanDir(abs, "", ignore)
	if err != nil {
		return nil, err
	}
	if node == nil {
		node = &Node{Kind: KindFolder, Checked: true}
	}
	node.Name = filepath.Base(abs)
	node.RelPath = ""
	return node, nil
}

func (s *Scanner) scanDir(absDir, rel string, ignore *gitignore.GitIgnore) (*Node, error) {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		if rel == "" {
			return nil, fmt.Errorf("reading scan root: %w", err)
		}
		s.logger.Debug("skipping unreadable directory", "path", rel, "error", err)
		return nil, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].IsDir(), entries[j].IsDir()
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	node := &Node{
		Name:    filepath.Base(absDir),
		RelPath: rel,
		Kind:    KindFolder,
		Checked: true,
	}

	for _, entry := range entries {
		name := entry.Name()
		childRel := path.Join(rel, name)
		childAbs := filepath.Join(absDir, name)

		if s.excluded(childRel, entry.IsDir(), ignore) {
			continue
		}

		if entry.IsDir() {
			if excludedDirNames[name] {
				continue
			}
			child, err := s.scanDir(childAbs, childRel, ignore)
			if err != nil {
				return nil, err
			}
			if child == nil || len(child.Children) == 0 {
				continue
			}
			node.Children = append(node.Children, child)
			continue
		}

		if excludedFileNames[name] {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}

		kind := s.classify(name, childAbs)
		node.Children = append(node.Children, &Node{
			Name:    name,
			RelPath: childRel,
			Kind:    kind,
			Checked: kind == KindFile,
		})
	}

	return node, nil
}

func (s *Scanner) excluded(rel string, isDir bool, ignore *gitignore.GitIgnore) bool {
	for _, g := range s.excludeGlobs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	if ignore == nil {
		return false
	}
	if isDir {
		return ignore.MatchesPath(rel + "/")
	}
	return ignore.MatchesPath(rel)
}

// classify decides the node kind for a file: known text and document
// extensions short-circuit, everything else gets sniffed for a NUL byte in
// the first 512 bytes. Unreadable files count as binary so they can never
// be selected for ingestion.
func (s *Scanner) classify(name, absPath string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case textExtensions[ext] || documentExtensions[ext]:
		return KindFile
	case binaryExtensions[ext]:
		return KindBinary
	}

	f, err := os.Open(absPath)
	if err != nil {
		s.logger.Debug("cannot sniff file, treating as binary", "path", name, "error", err)
		return KindBinary
	}
	defer f.Close()

	buf := make([]byte, sniffBytes)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return KindBinary
	}
	if bytes.IndexByte(buf[:n], 0) >= 0 {
		return KindBinary
	}
	return KindFile
}
