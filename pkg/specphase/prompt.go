package specphase

import (
	"fmt"
	"strings"

	"github.com/agentpipe/conductor/pkg/models"
)

// phaseSchema is the JSON shape each phase's agent call must produce,
// embedded verbatim in both the initial prompt and the recovery prompt
// (spec.md §4.6 step 8).
var phaseSchema = map[models.SpecPhase]string{
	models.SpecPhaseConstitution: `{"constitution": "<markdown string>"}`,
	models.SpecPhaseSpecify:      `{"spec": {"overview": "...", "requirements": ["..."], "acceptanceCriteria": ["..."], "outOfScope": ["..."]}}`,
	models.SpecPhaseClarify:      `{"clarifications": [{"id": "...", "question": "...", "context": "..."}]}`,
	models.SpecPhasePlan:         `{"plan": {"architecture": "...", "techDecisions": ["..."], "fileStructure": ["..."], "dependencies": ["..."]}}`,
	models.SpecPhaseAnalyze:      `{"passed": true, "issues": ["..."], "suggestions": ["..."], "existingPatterns": ["..."]}`,
	models.SpecPhaseTasks:        `{"tasks": [{"id": "...", "title": "...", "description": "...", "files": ["..."], "dependencies": ["..."]}]}`,
}

// buildPrompt composes the phase-specific prompt with the existing
// SpecOutput fields inlined (spec.md §4.6 step 5).
func buildPrompt(phase models.SpecPhase, featureTitle, featureNotes string, existing *models.SpecOutput, memory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s\n%s\n\n", featureTitle, featureNotes)
	if memory != "" {
		fmt.Fprintf(&b, "Relevant prior context:\n%s\n\n", memory)
	}

	switch phase {
	case models.SpecPhaseConstitution:
		b.WriteString("Write this client's engineering constitution: the conventions, stack, and constraints future specs should follow.\n")
	case models.SpecPhaseSpecify:
		fmt.Fprintf(&b, "Constitution:\n%s\n\n", existing.Constitution)
		b.WriteString("Write a specification for this feature: overview, requirements, acceptance criteria, and explicit out-of-scope items.\n")
	case models.SpecPhaseClarify:
		writeSpecSection(&b, existing)
		b.WriteString("List any clarifying questions a developer would need answered before planning this feature. If none, return an empty list.\n")
	case models.SpecPhasePlan:
		writeSpecSection(&b, existing)
		writeClarifications(&b, existing)
		b.WriteString("Write an implementation plan: architecture, technology decisions, file structure, and dependencies.\n")
	case models.SpecPhaseAnalyze:
		writePlanSection(&b, existing)
		b.WriteString("Critique this plan against the constitution and spec. Does it hold together? List issues and suggested improvements, and whether it passes.\n")
	case models.SpecPhaseTasks:
		writePlanSection(&b, existing)
		b.WriteString("Break the plan into discrete, dependency-ordered implementation tasks.\n")
	}

	fmt.Fprintf(&b, "\nRespond with exactly one JSON object matching this shape, in a ```json code block:\n%s\n", phaseSchema[phase])
	return b.String()
}

// buildRecoveryPrompt is used when the initial parse fails: it repeats the
// schema and includes the tail of the previous (unparseable) output
// (spec.md §4.6 step 8, "one recovery round").
func buildRecoveryPrompt(phase models.SpecPhase, previousOutput string) string {
	return fmt.Sprintf(
		"Your previous response could not be parsed as JSON. Respond again with exactly one JSON object matching this shape, in a ```json code block, and nothing else:\n%s\n\nYour previous response (last 15KB) was:\n%s\n",
		phaseSchema[phase], tailForError(previousOutput, 15*1024))
}

// buildJudgePrompt asks the agent to evaluate a plan against the
// constitution and spec, producing the same shape as the analyze phase
// (spec.md §4.6 "Judge + auto-improve loop").
func buildJudgePrompt(constitution string, spec *models.SpecSection, plan *models.PlanSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Constitution:\n%s\n\n", constitution)
	writeSpecSectionRaw(&b, spec)
	writePlanSectionRaw(&b, plan)
	b.WriteString("Judge whether this plan is sound and consistent with the constitution and spec. List concrete issues and improvements, and whether it passes.\n")
	fmt.Fprintf(&b, "\nRespond with exactly one JSON object matching this shape, in a ```json code block:\n%s\n", phaseSchema[models.SpecPhaseAnalyze])
	return b.String()
}

// buildImprovePrompt asks the agent to revise plan in light of a failed
// judge verdict (spec.md §4.6 "Judge + auto-improve loop").
func buildImprovePrompt(plan *models.PlanSection, judge *models.AnalysisSection) string {
	var b strings.Builder
	writePlanSectionRaw(&b, plan)
	b.WriteString("The plan above failed review. Issues:\n")
	for _, issue := range judge.Issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	b.WriteString("Suggestions:\n")
	for _, s := range judge.Suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("\nRevise the plan to address every issue.\n")
	fmt.Fprintf(&b, "\nRespond with exactly one JSON object matching this shape, in a ```json code block:\n%s\n", phaseSchema[models.SpecPhasePlan])
	return b.String()
}

func writeSpecSection(b *strings.Builder, out *models.SpecOutput) {
	if out == nil {
		return
	}
	writeSpecSectionRaw(b, out.Spec)
}

func writeSpecSectionRaw(b *strings.Builder, spec *models.SpecSection) {
	if spec == nil {
		return
	}
	fmt.Fprintf(b, "Spec:\n%s\nRequirements: %s\nAcceptance criteria: %s\nOut of scope: %s\n\n",
		spec.Overview, strings.Join(spec.Requirements, "; "),
		strings.Join(spec.AcceptanceCriteria, "; "), strings.Join(spec.OutOfScope, "; "))
}

func writeClarifications(b *strings.Builder, out *models.SpecOutput) {
	if out == nil || len(out.Clarifications) == 0 {
		return
	}
	b.WriteString("Clarifications:\n")
	for _, c := range out.Clarifications {
		answer := "(unanswered)"
		if c.Response != nil {
			answer = *c.Response
		}
		fmt.Fprintf(b, "- Q: %s A: %s\n", c.Question, answer)
	}
	b.WriteString("\n")
}

func writePlanSection(b *strings.Builder, out *models.SpecOutput) {
	if out == nil {
		return
	}
	writePlanSectionRaw(b, out.Plan)
}

func writePlanSectionRaw(b *strings.Builder, plan *models.PlanSection) {
	if plan == nil {
		return
	}
	fmt.Fprintf(b, "Plan:\n%s\nTech decisions: %s\nFile structure: %s\nDependencies: %s\n\n",
		plan.Architecture, strings.Join(plan.TechDecisions, "; "),
		strings.Join(plan.FileStructure, "; "), strings.Join(plan.Dependencies, "; "))
}
