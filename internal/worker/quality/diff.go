package quality

import (
	"strconv"
	"strings"
)

// AddedLine is one addition from a unified diff, with its new-file line number.
type AddedLine struct {
	File string
	Line int
	Text string
}

// DiffStats aggregates a parsed unified diff.
type DiffStats struct {
	Added    []AddedLine
	AddedN   int
	DeletedN int
	Files    []string
}

// ParseUnifiedDiff extracts added lines and volume counts from `git diff
// --unified=0` output. It tolerates rename and mode lines; binary files
// contribute no lines.
func ParseUnifiedDiff(diff string) *DiffStats {
	stats := &DiffStats{}
	var currentFile string
	newLine := 0
	seenFiles := map[string]bool{}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			name := strings.TrimPrefix(line, "+++ ")
			name = strings.TrimPrefix(name, "b/")
			if name == "/dev/null" {
				currentFile = ""
				continue
			}
			currentFile = strings.TrimSpace(name)
			if currentFile != "" && !seenFiles[currentFile] {
				seenFiles[currentFile] = true
				stats.Files = append(stats.Files, currentFile)
			}
		case strings.HasPrefix(line, "@@"):
			newLine = parseHunkNewStart(line)
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			stats.AddedN++
			if currentFile != "" {
				stats.Added = append(stats.Added, AddedLine{File: currentFile, Line: newLine, Text: line[1:]})
			}
			newLine++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			stats.DeletedN++
		case strings.HasPrefix(line, " "):
			newLine++
		}
	}
	return stats
}

// parseHunkNewStart reads the new-file start line out of a @@ -a,b +c,d @@
// hunk header.
func parseHunkNewStart(header string) int {
	plus := strings.Index(header, "+")
	if plus < 0 {
		return 0
	}
	rest := header[plus+1:]
	end := strings.IndexAny(rest, ", @")
	if end < 0 {
		end = len(rest)
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return n
}
