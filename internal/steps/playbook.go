package steps

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

//go:embed playbooks.toml
var playbooksTOML string

type playbookPhase struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Queries     []string `toml:"queries"`
}

type playbook struct {
	Phases []playbookPhase `toml:"phases"`
}

var (
	playbooksOnce sync.Once
	playbooks     map[string]playbook
)

func loadPlaybooks() map[string]playbook {
	playbooksOnce.Do(func() {
		var file struct {
			Playbooks map[string]playbook `toml:"playbooks"`
		}
		// The file is embedded; a decode failure is a build defect, and
		// an empty map falls through to the hardcoded minimal plan.
		_, _ = toml.Decode(playbooksTOML, &file)
		playbooks = file.Playbooks
	})
	return playbooks
}

// playbookPlan returns the canned plan matching the target's first
// recognized objective. It always returns a usable plan.
func playbookPlan(t research.TargetDescriptor) *research.Plan {
	books := loadPlaybooks()

	var book playbook
	var found bool
	for _, obj := range t.Objectives {
		if b, ok := books[strings.ToLower(strings.TrimSpace(obj))]; ok {
			book = b
			found = true
			break
		}
	}
	if !found {
		book, found = books["default"]
	}
	if !found || len(book.Phases) == 0 {
		return &research.Plan{
			Phases: []research.PhaseDescriptor{{
				Number:     1,
				Name:       "Surface Layer",
				QuerySeeds: []string{`"` + t.Name + `"`, t.Name + " background"},
			}},
			Rationale: "Minimal fallback plan.",
		}
	}

	plan := &research.Plan{Rationale: "Playbook fallback plan."}
	for i, ph := range book.Phases {
		seeds := make([]string, 0, len(ph.Queries))
		for _, q := range ph.Queries {
			seeds = append(seeds, strings.ReplaceAll(q, "{target}", t.Name))
		}
		plan.Phases = append(plan.Phases, research.PhaseDescriptor{
			Number:      i + 1,
			Name:        ph.Name,
			Description: strings.ReplaceAll(ph.Description, "{target}", t.Name),
			QuerySeeds:  seeds,
		})
	}
	return plan
}
