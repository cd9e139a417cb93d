package workflow

import "jarvis/internal/core"

// Workflow names in the default catalog.
const (
	PhotoWorkflow     = "complete_photo_workflow"
	MarketingCampaign = "marketing_campaign_launch"
	ClientOnboarding  = "client_onboarding"
)

// StepBuilder produces the task for one target from the workflow parameters.
type StepBuilder struct {
	Target string
	Build  func(params map[string]any, workflowID string) core.Task
}

// Definition is a named ordered list of step builders.
type Definition struct {
	Name  string
	Steps []StepBuilder
}

// Catalog maps workflow names to definitions.
type Catalog map[string]Definition

// Names returns the catalog's workflow names.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	return names
}

// DefaultCatalog returns the three built-in workflows.
func DefaultCatalog() Catalog {
	return Catalog{
		PhotoWorkflow: {
			Name: PhotoWorkflow,
			Steps: []StepBuilder{
				{Target: "photo-agent", Build: func(p map[string]any, id string) core.Task {
					path, _ := p["photo_path"].(string)
					if path == "" {
						path = "/app/photos"
					}
					return core.NewTask("organize_photos", map[string]any{"path": path, "workflow_id": id})
				}},
				{Target: "marketing-agent", Build: func(p map[string]any, id string) core.Task {
					return core.NewTask("suggest_content", map[string]any{
						"context":     map[string]any{"photos_processed": true},
						"workflow_id": id,
					})
				}},
				{Target: "social-media-agent", Build: func(p map[string]any, id string) core.Task {
					return core.NewTask("schedule_posts", map[string]any{"workflow_id": id})
				}},
			},
		},
		MarketingCampaign: {
			Name: MarketingCampaign,
			Steps: []StepBuilder{
				campaignStep("marketing-agent", "create_campaign"),
				campaignStep("social-media-agent", "prepare_campaign_posts"),
				campaignStep("crm-agent", "segment_audience"),
			},
		},
		ClientOnboarding: {
			Name: ClientOnboarding,
			Steps: []StepBuilder{
				{Target: "crm-agent", Build: func(p map[string]any, id string) core.Task {
					return core.NewTask("register_client", map[string]any{"client_data": clientData(p), "workflow_id": id})
				}},
				{Target: "photo-agent", Build: func(p map[string]any, id string) core.Task {
					name, _ := clientData(p)["name"].(string)
					return core.NewTask("create_client_folder", map[string]any{"client_name": name, "workflow_id": id})
				}},
				{Target: "calendar-agent", Build: func(p map[string]any, id string) core.Task {
					return core.NewTask("schedule_consultation", map[string]any{"client_data": clientData(p), "workflow_id": id})
				}},
			},
		},
	}
}

func campaignStep(target string, typ core.TaskType) StepBuilder {
	return StepBuilder{Target: target, Build: func(p map[string]any, id string) core.Task {
		data, _ := p["campaign_data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		return core.NewTask(typ, map[string]any{"campaign_data": data, "workflow_id": id})
	}}
}

// clientData accepts either {client_data: {...}} or the client fields directly.
func clientData(p map[string]any) map[string]any {
	if cd, ok := p["client_data"].(map[string]any); ok {
		return cd
	}
	if p == nil {
		return map[string]any{}
	}
	return p
}
