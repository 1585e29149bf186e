// Package specfile loads job and schedule specs from YAML definition
// files. Definitions are plain serialization structs; building the model
// spec from them keeps file-format concerns out of the engine.
package specfile

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/flowmill-org/flowmill/internal/models"
)

type jobDefinition struct {
	Name              string                    `yaml:"name"`
	MaxParallelism    int                       `yaml:"maxParallelism"`
	FailFast          bool                      `yaml:"failFast"`
	CorrelationID     string                    `yaml:"correlationId"`
	TelemetryProvider string                    `yaml:"telemetryProvider"`
	Tasks             map[string]taskDefinition `yaml:"tasks"`
}

type taskDefinition struct {
	Executor            string   `yaml:"executor"`
	Command             string   `yaml:"command"`
	DependsOn           []string `yaml:"dependsOn"`
	MaxRetries          int      `yaml:"maxRetries"`
	RetryBackoffSeconds float64  `yaml:"retryBackoffSeconds"`

	Cron                string `yaml:"cron"`
	Timezone            string `yaml:"timezone"`
	AllowConcurrentRuns bool   `yaml:"allowConcurrentRuns"`
	MaxRuns             int    `yaml:"maxRuns"`
	NotBefore           string `yaml:"notBefore"`
	NotAfter            string `yaml:"notAfter"`
}

type scheduleDefinition struct {
	Cron                 string        `yaml:"cron"`
	Timezone             string        `yaml:"timezone"`
	AllowOverlappingJobs bool          `yaml:"allowOverlappingJobs"`
	MaxRuns              int           `yaml:"maxRuns"`
	NotBefore            string        `yaml:"notBefore"`
	NotAfter             string        `yaml:"notAfter"`
	Job                  jobDefinition `yaml:"job"`
}

// LoadJob reads a job spec definition from a YAML file.
func LoadJob(path string) (models.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("failed to read spec file: %w", err)
	}
	return ParseJob(data)
}

// ParseJob builds a job spec from YAML bytes.
func ParseJob(data []byte) (models.JobSpec, error) {
	var def jobDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return models.JobSpec{}, fmt.Errorf("failed to parse spec: %w", err)
	}
	return buildJobSpec(def)
}

// LoadSchedule reads a scheduled-job template definition from a YAML file.
func LoadSchedule(path string) (models.ScheduledJobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ScheduledJobSpec{}, fmt.Errorf("failed to read spec file: %w", err)
	}
	var def scheduleDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return models.ScheduledJobSpec{}, fmt.Errorf("failed to parse spec: %w", err)
	}
	return buildScheduleSpec(def)
}

func buildJobSpec(def jobDefinition) (models.JobSpec, error) {
	spec := models.JobSpec{
		Name:              def.Name,
		MaxParallelism:    def.MaxParallelism,
		FailFast:          def.FailFast,
		CorrelationID:     def.CorrelationID,
		TelemetryProvider: def.TelemetryProvider,
		Tasks:             make(map[string]models.TaskSpec, len(def.Tasks)),
	}
	if spec.MaxParallelism == 0 {
		spec.MaxParallelism = 1
	}
	for key, task := range def.Tasks {
		notBefore, err := parseTimestamp(task.NotBefore)
		if err != nil {
			return models.JobSpec{}, fmt.Errorf("task %q: %w", key, err)
		}
		notAfter, err := parseTimestamp(task.NotAfter)
		if err != nil {
			return models.JobSpec{}, fmt.Errorf("task %q: %w", key, err)
		}
		spec.Tasks[key] = models.TaskSpec{
			ExecutorType:        task.Executor,
			Command:             task.Command,
			DependsOn:           task.DependsOn,
			MaxRetries:          task.MaxRetries,
			RetryBackoffSeconds: task.RetryBackoffSeconds,
			CronExpression:      task.Cron,
			CronTimezone:        task.Timezone,
			AllowConcurrentRuns: task.AllowConcurrentRuns,
			MaxRuns:             task.MaxRuns,
			NotBefore:           notBefore,
			NotAfter:            notAfter,
		}
	}
	return spec, nil
}

func buildScheduleSpec(def scheduleDefinition) (models.ScheduledJobSpec, error) {
	template, err := buildJobSpec(def.Job)
	if err != nil {
		return models.ScheduledJobSpec{}, err
	}
	notBefore, err := parseTimestamp(def.NotBefore)
	if err != nil {
		return models.ScheduledJobSpec{}, err
	}
	notAfter, err := parseTimestamp(def.NotAfter)
	if err != nil {
		return models.ScheduledJobSpec{}, err
	}
	return models.ScheduledJobSpec{
		JobTemplate:          template,
		CronExpression:       def.Cron,
		CronTimezone:         def.Timezone,
		AllowOverlappingJobs: def.AllowOverlappingJobs,
		MaxRuns:              def.MaxRuns,
		NotBefore:            notBefore,
		NotAfter:             notAfter,
	}, nil
}

func parseTimestamp(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return &ts, nil
}
