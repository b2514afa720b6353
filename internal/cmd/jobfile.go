package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/job"
)

// jobFile is the YAML description of a job accepted by `weft run`.
type jobFile struct {
	ID       string        `yaml:"id"`
	FailFast bool          `yaml:"fail_fast"`
	SubTasks []subTaskFile `yaml:"subtasks"`
}

type subTaskFile struct {
	ID        string   `yaml:"id"`
	Provider  string   `yaml:"provider"`
	Stage     string   `yaml:"stage"`
	Priority  int      `yaml:"priority"`
	DependsOn []string `yaml:"depends_on"`
	Payload   string   `yaml:"payload"`
}

// loadJobFile parses a YAML job description from path.
func loadJobFile(path string) (*job.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return parseJobFile(data)
}

func parseJobFile(data []byte) (*job.Job, error) {
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(jf.SubTasks) == 0 {
		return nil, fmt.Errorf("job file declares no subtasks")
	}

	j := &job.Job{
		ID:       jf.ID,
		FailFast: jf.FailFast,
		SubTasks: make([]*job.SubTask, 0, len(jf.SubTasks)),
	}
	for _, st := range jf.SubTasks {
		if st.ID == "" {
			return nil, fmt.Errorf("subtask missing id")
		}
		if st.Provider == "" {
			return nil, fmt.Errorf("subtask %s missing provider", st.ID)
		}
		j.SubTasks = append(j.SubTasks, &job.SubTask{
			ID:        st.ID,
			Provider:  st.Provider,
			Stage:     st.Stage,
			Priority:  st.Priority,
			DependsOn: st.DependsOn,
			Payload:   []byte(st.Payload),
		})
	}
	return j, nil
}
