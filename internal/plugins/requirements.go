package plugins

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rdlogout/comfyui-agent/internal/config"
)

// requirementPattern accepts "name" and "name<op>version" with ops in
// >=, ==, <=, >, <, !=, ~=. Comments and blank lines are handled before
// matching.
var requirementPattern = regexp.MustCompile(`^([a-zA-Z0-9_-]+)([><=!~]+.*)?$`)

// Requirement is one parsed requirements.txt line.
type Requirement struct {
	// Name is normalized: lower-case, underscores folded to hyphens.
	Name string
	// Constraint is the raw version operator suffix, "" when unpinned.
	Constraint string
	// Original is the untouched line, re-emitted verbatim on install.
	Original string
}

// ParseRequirementLine parses one line. Returns ok=false for blanks and
// comments.
func ParseRequirementLine(line string) (Requirement, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Requirement{}, false
	}
	m := requirementPattern.FindStringSubmatch(line)
	if m == nil {
		return Requirement{}, false
	}
	return Requirement{
		Name:       config.NormalizePackageName(m[1]),
		Constraint: m[2],
		Original:   line,
	}, true
}

// Analysis is the result of filtering a requirements file against the
// critical-dependency protection policy.
type Analysis struct {
	// SafeToInstall holds original requirement lines that may be fed to pip.
	SafeToInstall []string
	// SkippedCritical holds human-readable rows for critical packages left
	// untouched because they are already installed.
	SkippedCritical []string
}

// AnalyzeRequirements applies the protection policy to a requirements file:
// a critical package already installed is skipped (never upgraded); a
// critical package not yet installed may be added; everything else passes
// through, upgrades included.
func AnalyzeRequirements(r io.Reader, critical map[string]bool, installed map[string]string) Analysis {
	var analysis Analysis

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		req, ok := ParseRequirementLine(scanner.Text())
		if !ok {
			continue
		}

		if critical[req.Name] {
			if version, present := installed[req.Name]; present {
				analysis.SkippedCritical = append(analysis.SkippedCritical,
					fmt.Sprintf("%s (installed: %s - protected from upgrade)", req.Name, version))
				continue
			}
		}
		analysis.SafeToInstall = append(analysis.SafeToInstall, req.Original)
	}
	return analysis
}
