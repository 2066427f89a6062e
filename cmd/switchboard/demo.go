package main

import (
	"context"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
	"github.com/switchboard-ai/switchboard/runtime/workflow/coordinator"
	"github.com/switchboard-ai/switchboard/runtime/workflow/telemetry"
)

var demoWorkflows = []coordinator.StartRequest{
	{AgentID: "researcher", Name: "Market research", Input: "EV charging in Europe"},
	{AgentID: "researcher", Name: "Competitor scan", Input: "home battery vendors"},
	{AgentID: "writer", Name: "Release notes", Input: "summarize the last sprint"},
}

// runDemo starts the demo workflows and plays the operator: it cycles the
// view over running workflows, answers their questions and approves their
// validations until every workflow finished.
func runDemo(ctx context.Context, svc *coordinator.Service, modes *admission.ModeStore, logger telemetry.Logger) {
	for _, req := range demoWorkflows {
		res, err := svc.StartWorkflow(ctx, req)
		if err != nil {
			logger.Error(ctx, "demo start failed", "name", req.Name, "err", err)
			continue
		}
		if !res.Admitted {
			logger.Warn(ctx, "demo start rejected", "name", req.Name, "max_concurrent", res.MaxConcurrent)
			if modes.Get() != admission.ModeAutomatic {
				modes.Set(admission.ModeAutomatic)
				logger.Info(ctx, "switched to automatic mode", "max_concurrent", svc.MaxConcurrent())
				if res, err = svc.StartWorkflow(ctx, req); err == nil && res.Admitted {
					logger.Info(ctx, "demo start admitted after mode switch", "workflow_id", res.WorkflowID)
				}
			}
		}
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		execs := svc.Router().List()
		if len(execs) > 0 && svc.Router().RunningCount() == 0 {
			for _, e := range execs {
				logger.Info(ctx, "demo workflow finished", "workflow_id", e.WorkflowID, "name", e.Name,
					"status", string(e.Status), "tokens", e.TokenCount, "content", e.Content)
			}
			svc.ViewWorkflow("")
			return
		}
		for _, e := range execs {
			if e.Terminal() {
				continue
			}
			svc.ViewWorkflow(e.WorkflowID)
			if q := svc.Questions().State(); q.Open && q.Current != nil {
				if _, err := svc.AnswerQuestion(ctx, []string{"detailed"}, ""); err != nil {
					logger.Warn(ctx, "demo answer", "err", err)
				}
				break
			}
			if v := svc.Validations().State(); v.Open && v.Current != nil {
				if _, err := svc.ApproveValidation(ctx); err != nil {
					logger.Warn(ctx, "demo approve", "err", err)
				}
				break
			}
		}
	}
}
