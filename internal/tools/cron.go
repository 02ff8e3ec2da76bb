package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/store"
)

// CronScheduler validates and projects cron expressions. Implemented by the
// cron executor.
type CronScheduler interface {
	ValidateSchedule(expr string) error
	NextRun(expr string, after time.Time) (time.Time, error)
}

// CronTool manages scheduled jobs: add, list, remove, enable, disable and
// inspect run history.
type CronTool struct {
	jobs      store.CronStore
	scheduler CronScheduler
}

func NewCronTool(jobs store.CronStore, scheduler CronScheduler) *CronTool {
	return &CronTool{jobs: jobs, scheduler: scheduler}
}

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Manage scheduled jobs: add, list, remove, enable, disable, runs."
}

func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "list", "remove", "enable", "disable", "runs"},
				"description": "Operation to perform",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Job name (add)",
			},
			"schedule": map[string]any{
				"type":        "string",
				"description": "Cron expression, e.g. \"0 9 * * *\" (add)",
			},
			"command": map[string]any{
				"type":        "string",
				"description": "Instruction delivered to the agent on each run (add)",
			},
			"payload_type": map[string]any{
				"type":        "string",
				"enum":        []string{store.CronPayloadSystemEvent, store.CronPayloadAgentTurn},
				"description": "How the job reaches the agent (default agent_turn)",
			},
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job ID (remove/enable/disable/runs)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.jobs == nil {
		return ErrorResult("cron store not available")
	}
	switch action := strParam(params, "action"); action {
	case "add":
		return t.add(ctx, params, tc)
	case "list":
		return t.list(ctx)
	case "remove":
		return t.withJob(ctx, params, func(job *store.CronJob) *Result {
			if err := t.jobs.DeleteJob(ctx, job.ID); err != nil {
				return ErrorResult(fmt.Sprintf("failed to remove job: %v", err)).WithError(err)
			}
			return SilentResult(fmt.Sprintf("Removed job %q", job.Name))
		})
	case "enable":
		return t.setEnabled(ctx, params, true)
	case "disable":
		return t.setEnabled(ctx, params, false)
	case "runs":
		return t.runs(ctx, params)
	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", action))
	}
}

func (t *CronTool) add(ctx context.Context, params map[string]any, tc *Context) *Result {
	name := strParam(params, "name")
	schedule := strParam(params, "schedule")
	command := strParam(params, "command")
	if name == "" || schedule == "" || command == "" {
		return ErrorResult("name, schedule and command are required")
	}
	if err := t.scheduler.ValidateSchedule(schedule); err != nil {
		return ErrorResult(fmt.Sprintf("invalid schedule %q: %v", schedule, err))
	}
	payloadType := strParam(params, "payload_type")
	if payloadType == "" {
		payloadType = store.CronPayloadAgentTurn
	}
	if payloadType != store.CronPayloadSystemEvent && payloadType != store.CronPayloadAgentTurn {
		return ErrorResult(fmt.Sprintf("unknown payload_type %q", payloadType))
	}

	next, err := t.scheduler.NextRun(schedule, time.Now())
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to compute next run: %v", err)).WithError(err)
	}
	job := &store.CronJob{
		Name:        name,
		Schedule:    schedule,
		Command:     command,
		PayloadType: payloadType,
		AgentID:     tc.AgentID,
		Cleanup:     store.CronCleanupDelete,
		Enabled:     true,
		NextRunAt:   &next,
	}
	if payloadType == store.CronPayloadSystemEvent {
		job.SessionKey = tc.SessionKey
	}
	if err := t.jobs.CreateJob(ctx, job); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create job: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Created job %q (%s), next run %s",
		name, job.ID, next.Format(time.RFC3339)))
}

func (t *CronTool) list(ctx context.Context) *Result {
	jobs, err := t.jobs.ListJobs(ctx, false)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list jobs: %v", err)).WithError(err)
	}
	if len(jobs) == 0 {
		return SilentResult("No scheduled jobs.")
	}
	var b strings.Builder
	for _, j := range jobs {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s  %q  schedule=%q enabled=%t runs=%d next=%s\n",
			j.ID, j.Name, j.Schedule, j.Enabled, j.RunCount, next)
	}
	return SilentResult(b.String())
}

func (t *CronTool) setEnabled(ctx context.Context, params map[string]any, enabled bool) *Result {
	return t.withJob(ctx, params, func(job *store.CronJob) *Result {
		job.Enabled = enabled
		if enabled && t.scheduler != nil {
			if next, err := t.scheduler.NextRun(job.Schedule, time.Now()); err == nil {
				job.NextRunAt = &next
			}
		}
		if err := t.jobs.UpdateJob(ctx, job); err != nil {
			return ErrorResult(fmt.Sprintf("failed to update job: %v", err)).WithError(err)
		}
		verb := "Disabled"
		if enabled {
			verb = "Enabled"
		}
		return SilentResult(fmt.Sprintf("%s job %q", verb, job.Name))
	})
}

func (t *CronTool) runs(ctx context.Context, params map[string]any) *Result {
	return t.withJob(ctx, params, func(job *store.CronJob) *Result {
		runs, err := t.jobs.ListRuns(ctx, job.ID, 10)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to list runs: %v", err)).WithError(err)
		}
		if len(runs) == 0 {
			return SilentResult("(no runs yet)")
		}
		var b strings.Builder
		for _, r := range runs {
			fmt.Fprintf(&b, "%s  %s", r.StartedAt.Format(time.RFC3339), r.Status)
			if r.Error != "" {
				fmt.Fprintf(&b, "  error=%s", r.Error)
			}
			b.WriteByte('\n')
		}
		return SilentResult(b.String())
	})
}

func (t *CronTool) withJob(ctx context.Context, params map[string]any, fn func(*store.CronJob) *Result) *Result {
	raw := strParam(params, "job_id")
	if raw == "" {
		return ErrorResult("job_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid job_id %q", raw))
	}
	job, err := t.jobs.GetJob(ctx, id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("job %s not found", raw)).WithError(err)
	}
	return fn(job)
}
