package transfer

import "strings"

// stageTable is the single mapping from free-text stage names to canonical
// stages. Entries are matched in order against the lowercased name.
var stageTable = []struct {
	substr string
	stage  Stage
}{
	{"approve", StageApprove},
	{"burn", StageBurn},
	{"attest", StageFetchAttestation},
	{"mint", StageMint},
	{"claim", StageMint},
	{"receive", StageMint},
}

// Classify maps a free-text stage name onto a canonical stage.
func Classify(name string) (Stage, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return StageUnknown, false
	}
	for _, e := range stageTable {
		if strings.Contains(n, e.substr) {
			return e.stage, true
		}
	}
	return StageUnknown, false
}

// Stages returns the canonical stage order for a chain family.
func Stages(f Family) []Stage {
	if f.RequiresApproval() {
		return []Stage{StageApprove, StageBurn, StageFetchAttestation, StageMint}
	}
	return []Stage{StageBurn, StageFetchAttestation, StageMint}
}

// mergeStep folds obs into cur. A resolved step keeps its state; only a
// missing tx hash may still be filled in.
func mergeStep(cur, obs Step) Step {
	if cur.State.Resolved() && !obs.State.Resolved() {
		if cur.TxHash == "" {
			cur.TxHash = obs.TxHash
		}
		return cur
	}

	out := cur
	if obs.State != StepUnknown && obs.State != cur.State {
		out.State = obs.State
		out.ErrorMessage = obs.ErrorMessage
	}
	if obs.ErrorMessage != "" {
		out.ErrorMessage = obs.ErrorMessage
	}
	if obs.TxHash != "" {
		out.TxHash = obs.TxHash
	}
	return out
}

// BuildSteps merges observations into existing steps and returns the
// canonical, ordered step list for family.
//
// A stage that is missing or pending while a later stage is resolved is
// inferred as success. Synthesis stops at the first unresolved stage that has
// no observed stage after it.
func BuildSteps(f Family, existing []Step, obs []Observation) []Step {
	byStage := make(map[Stage]Step, 4)
	for _, s := range existing {
		if s.Stage == StageUnknown {
			continue
		}
		if cur, ok := byStage[s.Stage]; ok {
			byStage[s.Stage] = mergeStep(cur, s)
			continue
		}
		byStage[s.Stage] = s
	}
	for _, o := range obs {
		stage, ok := Classify(o.Name)
		if !ok {
			continue
		}
		state := o.State
		if state == StepUnknown {
			state = StepPending
		}
		cur, ok := byStage[stage]
		if !ok {
			cur = Step{Stage: stage}
		}
		byStage[stage] = mergeStep(cur, Step{
			Stage:        stage,
			State:        state,
			TxHash:       strings.TrimSpace(o.TxHash),
			ErrorMessage: strings.TrimSpace(o.ErrorMessage),
		})
	}

	order := Stages(f)
	last := -1
	for i, st := range order {
		if _, ok := byStage[st]; ok {
			last = i
		}
	}
	if last < 0 {
		return nil
	}

	laterResolved := make([]bool, len(order))
	for i := len(order) - 2; i >= 0; i-- {
		next, ok := byStage[order[i+1]]
		laterResolved[i] = laterResolved[i+1] || (ok && next.State.Resolved())
	}

	out := make([]Step, 0, len(order))
	for i, st := range order {
		s, ok := byStage[st]
		switch {
		case ok && (s.State == StepPending || s.State == StepUnknown) && laterResolved[i]:
			s.State = StepSuccess
		case ok && s.State == StepUnknown:
			s.State = StepPending
		case !ok && laterResolved[i]:
			s = Step{Stage: st, State: StepSuccess}
		case !ok:
			s = Step{Stage: st, State: StepPending}
		}
		out = append(out, s)
		if !s.State.Resolved() && i >= last {
			break
		}
	}
	return out
}
