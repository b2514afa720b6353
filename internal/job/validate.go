package job

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/internal/errors"
)

// Validate checks a job for structural problems at submission time:
// empty subtask lists, duplicate subtask IDs, depends_on references that
// leave the job, and dependency cycles. It returns the first problem
// found wrapped around the matching sentinel error.
func Validate(j *Job) error {
	if j == nil {
		return errors.New("job is nil")
	}
	if len(j.SubTasks) == 0 {
		return errors.New("job has no subtasks")
	}

	ids := make(map[string]bool, len(j.SubTasks))
	for _, st := range j.SubTasks {
		if st.ID == "" {
			return errors.New("subtask has empty id")
		}
		if ids[st.ID] {
			return fmt.Errorf("%w: %s", errors.ErrDuplicateSubTask, st.ID)
		}
		ids[st.ID] = true
	}

	for _, st := range j.SubTasks {
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: %s depends on %s", errors.ErrUnknownDependency, st.ID, dep)
			}
			if dep == st.ID {
				return fmt.Errorf("%w: %s depends on itself", errors.ErrDependencyCycle, st.ID)
			}
		}
	}

	if cycle := DetectCycle(j); cycle != nil {
		return fmt.Errorf("%w: %s", errors.ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// DetectCycle detects a dependency cycle among the job's subtasks.
// Returns the subtask IDs forming the cycle if found, nil otherwise.
func DetectCycle(j *Job) []string {
	if j == nil {
		return nil
	}

	// Track visited and recursion stack
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		recStack[id] = true

		st := j.SubTask(id)
		if st == nil {
			recStack[id] = false
			return nil
		}

		for _, depID := range st.DependsOn {
			if !visited[depID] {
				parent[depID] = id
				if cycle := dfs(depID); cycle != nil {
					return cycle
				}
			} else if recStack[depID] {
				// Found a cycle - reconstruct it
				cycle := []string{depID}
				current := id
				for current != depID {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				cycle = append([]string{depID}, cycle...)
				return cycle
			}
		}

		recStack[id] = false
		return nil
	}

	for _, st := range j.SubTasks {
		if !visited[st.ID] {
			if cycle := dfs(st.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// DependencyOrder computes the subtask ordering used for display and
// reconcile output. Subtasks are ordered by topological level, then by
// declaration order within each level, so the natural dependency
// structure is visible while declaration order breaks ties.
func DependencyOrder(j *Job) []string {
	if j == nil || len(j.SubTasks) == 0 {
		return nil
	}

	declIdx := make(map[string]int, len(j.SubTasks))
	inDegree := make(map[string]int, len(j.SubTasks))
	dependents := make(map[string][]string, len(j.SubTasks))
	for i, st := range j.SubTasks {
		declIdx[st.ID] = i
		inDegree[st.ID] = 0
	}
	for _, st := range j.SubTasks {
		for _, depID := range st.DependsOn {
			if _, ok := declIdx[depID]; ok {
				inDegree[st.ID]++
				dependents[depID] = append(dependents[depID], st.ID)
			}
		}
	}

	// BFS-based topological sort, collecting subtasks level by level.
	var order []string
	var level []string
	for _, st := range j.SubTasks {
		if inDegree[st.ID] == 0 {
			level = append(level, st.ID)
		}
	}

	for len(level) > 0 {
		sortByDeclaration(level, declIdx)
		var next []string
		for _, id := range level {
			order = append(order, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		level = next
	}
	return order
}

// sortByDeclaration sorts ids in place by their declaration index.
func sortByDeclaration(ids []string, declIdx map[string]int) {
	for i := 1; i < len(ids); i++ {
		for k := i; k > 0 && declIdx[ids[k]] < declIdx[ids[k-1]]; k-- {
			ids[k], ids[k-1] = ids[k-1], ids[k]
		}
	}
}
