package llmphase

import (
	"github.com/craftplan/craftplan/internal/adapter/litellm"
	"github.com/craftplan/craftplan/internal/port/phasefn"
)

const (
	researchSystem = `You are a research assistant for hands-on building projects.
Analyse the project description and produce a JSON object with keys
"requirements" (list of strings), "constraints" (list of strings) and
"considerations" (list of strings). Be concrete and specific to the
described project, location and budget.`

	designSystem = `You are a design engineer. Given the research findings,
produce a JSON object with keys "approach" (string), "components"
(list of objects with "name" and "purpose") and "dimensions" (object).
Stay inside the stated budget and experience level.`

	sourcingSystem = `You are a procurement specialist. Given the design,
produce a JSON object with keys "materials" (list of objects with
"item", "quantity", "estimated_cost") and "tools" (list of strings).
Prefer widely available items and note alternatives where relevant.`

	reportSystem = `You are a technical writer. Combine all prior phase
results into a final plan. Produce a JSON object with keys "summary"
(a short paragraph), "steps" (ordered list of strings), "materials"
(list) and "warnings" (list of strings). The summary must stand on
its own.`

	analysisSystem = `You are a project analyst. In a single pass, analyse
the project description and produce a JSON object with keys
"requirements" (list of strings), "approach" (string), "materials"
(list of objects with "item", "quantity", "estimated_cost") and
"risks" (list of strings).`
)

// RegisterAll wires every known phase runner into the registry. The
// set covers both plan versions; a plan only invokes the names it
// lists.
func RegisterAll(reg *phasefn.Registry, llm *litellm.Client) {
	reg.Register("research", NewRunner(llm, "research", researchSystem))
	reg.Register("design", NewRunner(llm, "design", designSystem))
	reg.Register("sourcing", NewRunner(llm, "sourcing", sourcingSystem))
	reg.Register("report", NewRunner(llm, "report", reportSystem))
	reg.Register("analysis", NewRunner(llm, "analysis", analysisSystem))
}
