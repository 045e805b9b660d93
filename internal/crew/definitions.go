package crew

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/suPer8Hu/crewjobs/internal/ai"
)

//go:embed agents.yaml
var defaultDefinitions []byte

type Agent struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// SystemPrompt renders the agent persona.
func (a Agent) SystemPrompt() string {
	return fmt.Sprintf("You are %s.\nGoal: %s\nBackground: %s",
		strings.TrimSpace(a.Role), strings.TrimSpace(a.Goal), strings.TrimSpace(a.Backstory))
}

type Task struct {
	Agent          string `yaml:"agent"`
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

type Definitions struct {
	Agents map[string]Agent `yaml:"agents"`
	Tasks  map[string]Task  `yaml:"tasks"`
}

const (
	taskPlanning  = "financial_planning_task"
	taskMetadata  = "metadata_retrieval_task"
	taskQuery     = "financial_query_task"
	taskReporting = "reporting_task"
	taskComplete  = "complete_analysis_task"
)

var requiredTasks = []string{taskPlanning, taskMetadata, taskQuery, taskReporting, taskComplete}

// LoadDefinitions reads agent and task definitions from path, or the
// embedded defaults when path is empty.
func LoadDefinitions(path string) (*Definitions, error) {
	if path == "" {
		return ParseDefinitions(defaultDefinitions)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crew: read definitions: %w", err)
	}
	return ParseDefinitions(b)
}

func ParseDefinitions(b []byte) (*Definitions, error) {
	var d Definitions
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("crew: parse definitions: %w", err)
	}
	for _, name := range requiredTasks {
		t, ok := d.Tasks[name]
		if !ok {
			return nil, fmt.Errorf("crew: missing task %q", name)
		}
		if _, ok := d.Agents[t.Agent]; !ok {
			return nil, fmt.Errorf("crew: task %q uses unknown agent %q", name, t.Agent)
		}
	}
	return &d, nil
}

// Messages builds the chat for task with {placeholders} filled from vars.
func (d *Definitions) Messages(task string, vars map[string]string) []ai.Message {
	t := d.Tasks[task]
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	desc := strings.NewReplacer(pairs...).Replace(t.Description)
	if t.ExpectedOutput != "" {
		desc += "\nExpected output: " + strings.TrimSpace(t.ExpectedOutput)
	}
	return []ai.Message{
		ai.System(d.Agents[t.Agent].SystemPrompt()),
		ai.User(strings.TrimSpace(desc)),
	}
}
