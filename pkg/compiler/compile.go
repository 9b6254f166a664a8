package compiler

import (
	"fmt"
	"sort"

	"github.com/tillerworks/tiller/pkg/canonicalize"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
)

// Validate checks a mission spec for semantic violations: name collisions,
// unresolvable or forward references, unbounded loops, malformed gates and
// conditions. It returns one entry per violation.
func Validate(spec *mission.MissionSpec) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if spec == nil {
		return ValidationErrors{{Message: "spec is nil"}}
	}
	if spec.MissionID == "" {
		add("mission_id", "required field is empty")
	}
	if spec.Title == "" {
		add("title", "required field is empty")
	}
	if spec.Intent == "" {
		add("intent", "required field is empty")
	}
	if len(spec.Workflow) == 0 {
		add("workflow", "at least one step or loop is required")
	}

	cond, condErr := gates.NewConditionEvaluator()
	if condErr != nil {
		add("", "condition evaluator unavailable: %v", condErr)
	}

	if spec.Mandate != nil {
		if _, err := spec.Mandate.ToSnapshot(); err != nil {
			add("mandate", "%v", err)
		}
	}

	// declared tracks step names visible to the item currently being
	// validated: everything declared strictly before it in document order.
	declared := map[string]bool{}
	names := map[string]string{} // name -> path, for collision messages

	checkStep := func(path string, step *mission.WorkflowStep, visible map[string]bool) {
		if step.StepName == "" {
			add(path, "step_name is required")
			return
		}
		if prev, dup := names[step.StepName]; dup {
			add(path, "step name %q collides with %s", step.StepName, prev)
		} else {
			names[step.StepName] = path
		}
		if step.Agent == "" {
			add(path, "agent is required")
		}
		if step.RiskTier != "" {
			if _, err := mandate.ParseRiskTier(step.RiskTier); err != nil {
				add(path, "%v", err)
			}
		}
		if step.Condition != "" && cond != nil {
			if err := cond.Check(step.Condition); err != nil {
				add(path, "bad condition: %v", err)
			}
		}
		for _, dep := range step.DependsOn {
			if !visible[dep] {
				add(path, "depends_on %q does not resolve to a previously declared step", dep)
			}
		}
		inputKeys := sortedKeys(step.Inputs)
		for _, k := range inputKeys {
			for _, ref := range mission.ParseRefs(step.Inputs[k]) {
				if !visible[ref.Step] {
					add(path, "input %q references %q which is not a previously declared step", k, ref.Step)
				}
			}
		}
	}

	for i, item := range spec.Workflow {
		path := fmt.Sprintf("workflow[%d]", i)
		switch {
		case item.Step != nil && item.Loop != nil:
			add(path, "item declares both step and loop")
		case item.Step == nil && item.Loop == nil:
			add(path, "item declares neither step nor loop")
		case item.Step != nil:
			checkStep(path+".step", item.Step, declared)
			declared[item.Step.StepName] = true
		case item.Loop != nil:
			loop := item.Loop
			if loop.Name == "" {
				add(path+".loop", "name is required")
			}
			if loop.MaxIterations <= 0 {
				add(path+".loop", "max_iterations must be > 0, got %d", loop.MaxIterations)
			}
			if len(loop.Steps) == 0 {
				add(path+".loop", "loop has no steps")
			}
			for g, gate := range loop.Gates {
				gpath := fmt.Sprintf("%s.loop.gates[%d]", path, g)
				switch gate.Type {
				case mission.GateTest:
					if gate.Command == "" {
						add(gpath, "test_pass gate requires a command")
					}
				case mission.GateApproval:
					if len(gate.Approvers) == 0 {
						add(gpath, "approval gate requires at least one approver")
					}
				case mission.GateCustom:
					if gate.Condition == "" {
						add(gpath, "custom gate requires a condition")
					} else if cond != nil {
						if err := cond.Check(gate.Condition); err != nil {
							add(gpath, "bad condition: %v", err)
						}
					}
				default:
					add(gpath, "unknown gate type %q", gate.Type)
				}
			}
			// Nested steps see earlier nested steps of the same loop in
			// addition to everything declared before the loop.
			inLoop := map[string]bool{}
			for s := range declared {
				inLoop[s] = true
			}
			for j := range loop.Steps {
				spath := fmt.Sprintf("%s.loop.steps[%d]", path, j)
				checkStep(spath, &loop.Steps[j], inLoop)
				inLoop[loop.Steps[j].StepName] = true
			}
			for j := range loop.Steps {
				declared[loop.Steps[j].StepName] = true
			}
		}
	}

	return errs
}

// Compile expands, wires, orders, and hashes a mission spec into an
// execution plan. Identical (spec, seed) inputs always produce an identical
// content hash. Malformed specs return the full ValidationErrors list; a
// dependency cycle or fan-out output collision returns a CompilationError
// and no partial plan.
func Compile(spec *mission.MissionSpec, seed string) (*ExecutionPlan, *PipelineRequest, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, nil, errs
	}

	tasks, err := expand(spec, seed)
	if err != nil {
		return nil, nil, err
	}
	order, err := toposort(tasks)
	if err != nil {
		return nil, nil, err
	}
	if err := checkDisjointFanOut(tasks); err != nil {
		return nil, nil, err
	}

	var snap *mandate.Snapshot
	if spec.Mandate != nil {
		s, err := spec.Mandate.ToSnapshot()
		if err != nil {
			return nil, nil, &CompilationError{Message: fmt.Sprintf("mandate: %v", err)}
		}
		snap = &s
	}

	plan := &ExecutionPlan{
		MissionID:      spec.MissionID,
		Seed:           seed,
		Tasks:          derefTasks(tasks),
		ExecutionOrder: order,
		Mandate:        snap,
	}
	hash, err := canonicalize.Hash(struct {
		MissionID      string            `json:"mission_id"`
		Seed           string            `json:"seed"`
		Tasks          []Task            `json:"tasks"`
		ExecutionOrder []string          `json:"execution_order"`
		Mandate        *mandate.Snapshot `json:"mandate,omitempty"`
	}{plan.MissionID, plan.Seed, plan.Tasks, plan.ExecutionOrder, plan.Mandate})
	if err != nil {
		return nil, nil, fmt.Errorf("compile: content hash: %w", err)
	}
	plan.ContentHash = hash
	plan.PlanID = "plan-" + hash[:16]

	req := &PipelineRequest{
		PlanID:    plan.PlanID,
		MissionID: spec.MissionID,
		Title:     spec.Title,
		Intent:    spec.Intent,
		TaskCount: len(plan.Tasks),
		Evidence:  spec.Evidence,
	}
	if snap != nil {
		req.MandateID = snap.MandateID
	}
	for _, t := range plan.Tasks {
		if len(t.DependsOn) == 0 {
			req.EntryTasks = append(req.EntryTasks, t.TaskID)
		}
	}

	return plan, req, nil
}

// TaskID derives the deterministic identifier for a step instance. It is a
// hash of the mission ID, step name, iteration index, and compiler seed;
// never a random UUID.
func TaskID(missionID, stepName string, iteration int, seed string) (string, error) {
	h, err := canonicalize.Hash(struct {
		MissionID string `json:"mission_id"`
		StepName  string `json:"step_name"`
		Iteration int    `json:"iteration"`
		Seed      string `json:"seed"`
	}{missionID, stepName, iteration, seed})
	if err != nil {
		return "", err
	}
	return "t-" + h[:16], nil
}

// expand produces the full task set: one task per top-level step, and one
// task per loop iteration per nested step, with all dependency edges wired.
func expand(spec *mission.MissionSpec, seed string) ([]*Task, error) {
	var tasks []*Task
	// lastTaskOf maps a step name to the task consumers outside its scope
	// must depend on: the single task for top-level steps, the final
	// iteration's task for loop steps.
	lastTaskOf := map[string]string{}
	// iterTaskOf maps loop step name -> iteration -> task ID.
	iterTaskOf := map[string]map[int]string{}
	loopOf := map[string]string{} // step name -> loop name
	ordinal := 0

	mkTask := func(step *mission.WorkflowStep, loop *mission.LoopConstruct, iter int) (*Task, error) {
		id, err := TaskID(spec.MissionID, step.StepName, iter, seed)
		if err != nil {
			return nil, fmt.Errorf("compile: task id for %s: %w", step.StepName, err)
		}
		t := &Task{
			TaskID:    id,
			StepName:  step.StepName,
			Agent:     step.Agent,
			Inputs:    copyInputs(step.Inputs),
			Outputs:   append([]string(nil), step.Outputs...),
			Condition: step.Condition,
			Tools:     append([]string(nil), step.Tools...),
			RiskTier:  step.RiskTier,
			Ordinal:   ordinal,
		}
		ordinal++
		if loop != nil {
			t.LoopName = loop.Name
			t.Iteration = iter
			t.MaxIterations = loop.MaxIterations
		}
		return t, nil
	}

	for _, item := range spec.Workflow {
		switch {
		case item.Step != nil:
			t, err := mkTask(item.Step, nil, 0)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
			lastTaskOf[item.Step.StepName] = t.TaskID
		case item.Loop != nil:
			loop := item.Loop
			for iter := 1; iter <= loop.MaxIterations; iter++ {
				for j := range loop.Steps {
					step := &loop.Steps[j]
					t, err := mkTask(step, loop, iter)
					if err != nil {
						return nil, err
					}
					if j == len(loop.Steps)-1 {
						t.EndsIteration = true
						t.Gates = append([]mission.Gate(nil), loop.Gates...)
					}
					tasks = append(tasks, t)
					if iterTaskOf[step.StepName] == nil {
						iterTaskOf[step.StepName] = map[int]string{}
					}
					iterTaskOf[step.StepName][iter] = t.TaskID
					loopOf[step.StepName] = loop.Name
					lastTaskOf[step.StepName] = t.TaskID // final iteration wins
				}
			}
		}
	}

	// resolveDep picks the task ID a consumer must wait on for a given
	// step name: the same-iteration task when consumer and producer share
	// a loop, the producer's final task otherwise.
	resolveDep := func(consumer *Task, producer string) string {
		if consumer.LoopName != "" && loopOf[producer] == consumer.LoopName {
			return iterTaskOf[producer][consumer.Iteration]
		}
		return lastTaskOf[producer]
	}

	byID := map[string]*Task{}
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	for _, t := range tasks {
		seen := map[string]bool{}
		addDep := func(id string) {
			if id != "" && id != t.TaskID && !seen[id] {
				seen[id] = true
				t.DependsOn = append(t.DependsOn, id)
			}
		}
		// Re-resolve the declared step's explicit dependencies for this
		// instance of the step.
		for _, dep := range stepDeps(spec, t.StepName) {
			addDep(resolveDep(t, dep))
		}
		for _, k := range sortedKeys(t.Inputs) {
			for _, ref := range mission.ParseRefs(t.Inputs[k]) {
				addDep(resolveDep(t, ref.Step))
			}
		}
	}

	// Loops are sequential across iterations even when internally
	// parallel: every iteration-root task depends on the previous
	// iteration's closing task.
	for _, t := range tasks {
		if t.LoopName == "" || t.Iteration <= 1 {
			continue
		}
		hasIntraDep := false
		for _, dep := range t.DependsOn {
			if d := byID[dep]; d != nil && d.LoopName == t.LoopName && d.Iteration == t.Iteration {
				hasIntraDep = true
				break
			}
		}
		if !hasIntraDep {
			prevEnd := iterationEnd(tasks, t.LoopName, t.Iteration-1)
			if prevEnd != "" {
				t.DependsOn = append(t.DependsOn, prevEnd)
			}
		}
	}

	return tasks, nil
}

// stepDeps returns the explicit depends_on list of the named step.
func stepDeps(spec *mission.MissionSpec, stepName string) []string {
	for _, item := range spec.Workflow {
		if item.Step != nil && item.Step.StepName == stepName {
			return item.Step.DependsOn
		}
		if item.Loop != nil {
			for i := range item.Loop.Steps {
				if item.Loop.Steps[i].StepName == stepName {
					return item.Loop.Steps[i].DependsOn
				}
			}
		}
	}
	return nil
}

func iterationEnd(tasks []*Task, loopName string, iteration int) string {
	for _, t := range tasks {
		if t.LoopName == loopName && t.Iteration == iteration && t.EndsIteration {
			return t.TaskID
		}
	}
	return ""
}

// toposort orders tasks so every dependency precedes its dependents, with
// ties broken by declaration order for determinism. A cycle is fatal.
func toposort(tasks []*Task) ([]string, error) {
	byID := make(map[string]*Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
		indegree[t.TaskID] = len(t.DependsOn)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &CompilationError{Message: fmt.Sprintf("task %s depends on unknown task %s", t.TaskID, dep)}
			}
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var ready []*Task
	for _, t := range tasks {
		if indegree[t.TaskID] == 0 {
			ready = append(ready, t)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Ordinal < ready[j].Ordinal })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.TaskID)
		for _, dep := range dependents[next.TaskID] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, byID[dep])
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, &CompilationError{
			Message: "dependency cycle detected",
			Cycle:   findCycle(tasks, order),
		}
	}
	return order, nil
}

// findCycle names the steps along one cycle among the tasks the sort could
// not place.
func findCycle(tasks []*Task, placed []string) []string {
	done := make(map[string]bool, len(placed))
	for _, id := range placed {
		done[id] = true
	}
	byID := map[string]*Task{}
	var start *Task
	for _, t := range tasks {
		byID[t.TaskID] = t
		if !done[t.TaskID] && start == nil {
			start = t
		}
	}
	if start == nil {
		return nil
	}

	// Walk unplaced dependencies until a task repeats.
	seenAt := map[string]int{}
	var path []string
	cur := start
	for {
		if idx, ok := seenAt[cur.TaskID]; ok {
			return append(path[idx:], cur.StepName)
		}
		seenAt[cur.TaskID] = len(path)
		path = append(path, cur.StepName)
		advanced := false
		for _, dep := range cur.DependsOn {
			if !done[dep] {
				cur = byID[dep]
				advanced = true
				break
			}
		}
		if !advanced {
			return path
		}
	}
}

// checkDisjointFanOut rejects any two tasks that can run concurrently (no
// dependency path in either direction) yet declare the same output name.
// Concurrent writers to one state key are the system's principal race.
func checkDisjointFanOut(tasks []*Task) error {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.TaskID] = i
	}
	reach := make([]map[int]bool, len(tasks))
	var visit func(i int) map[int]bool
	visit = func(i int) map[int]bool {
		if reach[i] != nil {
			return reach[i]
		}
		r := map[int]bool{}
		reach[i] = r // placeholder guards against revisits; graph is acyclic here
		for _, dep := range tasks[i].DependsOn {
			j := index[dep]
			r[j] = true
			for k := range visit(j) {
				r[k] = true
			}
		}
		return r
	}
	for i := range tasks {
		visit(i)
	}

	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasks[i].StepName == tasks[j].StepName {
				continue // iterations of one step are chained by construction
			}
			shared := sharedOutput(tasks[i].Outputs, tasks[j].Outputs)
			if shared == "" {
				continue
			}
			if !reach[i][j] && !reach[j][i] {
				return &CompilationError{Message: fmt.Sprintf(
					"fan-out siblings %q and %q both declare output %q; concurrent siblings must declare disjoint outputs",
					tasks[i].StepName, tasks[j].StepName, shared)}
			}
		}
	}
	return nil
}

func sharedOutput(a, b []string) string {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return x
			}
		}
	}
	return ""
}

func derefTasks(tasks []*Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out
}

func copyInputs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
