package engine

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultIgnoreLines = []string{
	// vcs
	".git/",
	".hg/",
	// editors
	"*.swp",
	"*.swo",
	"*~",
	".#*",
	// caches and noise
	"*.tmp",
	"*.log",
	"__pycache__/",
	"node_modules/",
	".cache/",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// ignoreList filters files found while scanning directory configs.
type ignoreList struct {
	ignore *gitignore.GitIgnore
}

func newIgnoreList(patterns []string) *ignoreList {
	lines := append(append([]string(nil), defaultIgnoreLines...), patterns...)
	return &ignoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// match takes a slash-separated path relative to the scanned directory.
func (l *ignoreList) match(rel string) bool {
	return l.ignore.MatchesPath(rel)
}
