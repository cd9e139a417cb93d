package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"jarvis/internal/core"
	"jarvis/internal/memory"
)

// Domain events exchanged between workers.
const (
	EventPhotosProcessed  core.EventType = "photos.processed"
	EventNewClient        core.EventType = "crm.new_client"
	EventSessionScheduled core.EventType = "calendar.session_scheduled"
	EventCampaignCreated  core.EventType = "marketing.campaign_created"
	EventInvoiceIssued    core.EventType = "finance.invoice_issued"
)

const defaultPhotoRoot = "/app/photos"

// Lookup returns the catalog spec for identity.
func Lookup(identity string) (Spec, bool) {
	s, ok := Catalog()[identity]
	return s, ok
}

// Identities lists the catalog in sorted order.
func Identities() []string {
	c := Catalog()
	out := make([]string, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Catalog returns the specs of every roster worker.
func Catalog() map[string]Spec {
	specs := []Spec{
		{
			Identity: "photo-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"organize_photos":      organizePhotos,
				"process_photos":       processPhotos,
				"analyze_photo":        analyzePhoto,
				"create_backup":        createBackup,
				"create_client_folder": createClientFolder,
			},
			Events: map[core.EventType]EventFunc{
				EventNewClient:        rememberEvent(memory.Episodic),
				EventSessionScheduled: rememberEvent(memory.Working),
			},
		},
		{
			Identity: "marketing-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"suggest_content":     suggestContent,
				"create_campaign":     createCampaign,
				"analyze_performance": analyzePerformance,
				"generate_pricing":    generatePricing,
			},
			Events: map[core.EventType]EventFunc{
				EventPhotosProcessed: rememberEvent(memory.Episodic),
				EventNewClient:       rememberEvent(memory.Episodic),
			},
		},
		{
			Identity: "social-media-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"schedule_posts":         schedulePosts,
				"prepare_campaign_posts": prepareCampaignPosts,
				"plan_social_posts":      schedulePosts,
			},
			Events: map[core.EventType]EventFunc{
				EventPhotosProcessed: rememberEvent(memory.Episodic),
				EventCampaignCreated: rememberEvent(memory.Working),
			},
		},
		{
			Identity: "crm-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"register_client":  registerClient,
				"find_client":      findClient,
				"segment_audience": segmentAudience,
			},
			Events: map[core.EventType]EventFunc{
				EventInvoiceIssued: rememberEvent(memory.Episodic),
			},
		},
		{
			Identity: "calendar-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"schedule_consultation": scheduleConsultation,
			},
			Events: map[core.EventType]EventFunc{
				EventNewClient: rememberEvent(memory.Episodic),
			},
		},
		{
			Identity: "finance-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"create_invoice":   createInvoice,
				"generate_pricing": generatePricing,
			},
			Events: map[core.EventType]EventFunc{
				EventSessionScheduled: rememberEvent(memory.Episodic),
			},
		},
		{
			Identity: "task-agent",
			Tasks: map[core.TaskType]TaskFunc{
				"create_task":   createTask,
				"complete_task": completeTask,
			},
		},
	}
	out := make(map[string]Spec, len(specs))
	for _, s := range specs {
		out[s.Identity] = s
	}
	return out
}

func rememberEvent(kind memory.Kind) EventFunc {
	return func(ctx context.Context, w *Worker, ev core.BroadcastEvent) error {
		id := ev.ID
		if id == "" {
			id = uuid.NewString()
		}
		w.Remember(ctx, kind, id, map[string]any{
			"event_type": string(ev.Type),
			"source":     ev.Source,
			"payload":    ev.Payload,
		})
		return nil
	}
}

func mapParam(task core.Task, key string) map[string]any {
	m, _ := task[key].(map[string]any)
	return m
}

func stringOr(task core.Task, key, def string) string {
	if s := task.String(key); s != "" {
		return s
	}
	return def
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// photo-agent

func organizePhotos(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	root := stringOr(task, "path", defaultPhotoRoot)
	return map[string]any{"path": root, "organized_by": "date", "layout": path.Join(root, "YYYY", "MM")}, nil
}

func processPhotos(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	photos, _ := task["photos"].([]any)
	if len(photos) == 0 {
		return nil, invalid("photos is required")
	}
	w.Publish(ctx, EventPhotosProcessed, map[string]any{"photos": photos, "count": len(photos)})
	return map[string]any{"processed": len(photos)}, nil
}

func analyzePhoto(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	p := task.String("photo_path")
	if p == "" {
		return nil, invalid("photo_path is required")
	}
	return map[string]any{"photo_path": p, "format": strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")}, nil
}

func createBackup(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	root := stringOr(task, "path", defaultPhotoRoot)
	dest := path.Join(root, "backups", w.now().UTC().Format("20060102_150405"))
	return map[string]any{"source": root, "backup_path": dest}, nil
}

func createClientFolder(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	name := task.String("client_name")
	if name == "" {
		return nil, invalid("client_name is required")
	}
	folder := path.Join(defaultPhotoRoot, "clients", slug(name))
	w.Remember(ctx, memory.Semantic, "folder:"+slug(name), map[string]any{"client_name": name, "folder": folder})
	return map[string]any{"client_name": name, "folder": folder}, nil
}

// marketing-agent

func season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "summer"
	case time.March, time.April, time.May:
		return "autumn"
	case time.June, time.July, time.August:
		return "winter"
	}
	return "spring"
}

func suggestContent(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	s := season(w.now())
	return map[string]any{
		"season": s,
		"suggestions": []string{
			"behind the scenes of a " + s + " session",
			"before and after edit",
			"client testimonial",
		},
	}, nil
}

func createCampaign(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	data := mapParam(task, "campaign_data")
	service := "couple_session"
	if s, ok := data["service_type"].(string); ok && s != "" {
		service = s
	}
	id := "camp_" + w.now().UTC().Format("20060102_150405")
	campaign := map[string]any{
		"id":           id,
		"service_type": service,
		"status":       "draft",
		"timeline":     []string{"create visual content", "launch", "intensify posts", "review results"},
		"budget":       map[string]any{"ads": 200, "content_creation": 150, "photography": 100, "total_monthly": 450},
	}
	w.Remember(ctx, memory.Procedural, id, campaign)
	w.Publish(ctx, EventCampaignCreated, map[string]any{"campaign_id": id, "service_type": service})
	return map[string]any{"campaign": campaign}, nil
}

func analyzePerformance(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	days, ok := task.Int("period_days")
	if !ok || days <= 0 {
		days = 30
	}
	campaigns, err := w.Recall(ctx, memory.Procedural, map[string]any{"status": "draft"}, 100)
	if err != nil {
		return nil, err
	}
	return map[string]any{"period_days": days, "campaigns_analyzed": len(campaigns)}, nil
}

var basePrices = map[string]float64{
	"couple_session": 450,
	"family_session": 550,
	"wedding":        3500,
	"corporate":      800,
	"newborn":        650,
}

func generatePricing(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	service := stringOr(task, "service_type", "couple_session")
	base, ok := basePrices[service]
	if !ok {
		return nil, invalid("unknown service type %q", service)
	}
	factor := 1.0
	if s := season(w.now()); s == "summer" || s == "spring" {
		factor = 1.1
	}
	return map[string]any{"service_type": service, "base_price": base, "season_factor": factor, "suggested_price": base * factor}, nil
}

// social-media-agent

var postingTimes = [...]string{"16:00", "19:00", "20:00", "19:30", "20:30", "18:00", "17:00"}

// maxScheduledPosts caps one schedule at three months of daily posts.
const maxScheduledPosts = 90

func schedulePosts(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	count := 3
	if _, present := task["count"]; present {
		n, ok := task.Int("count")
		if !ok || n <= 0 || n > maxScheduledPosts {
			return nil, invalid("count must be an integer between 1 and %d", maxScheduledPosts)
		}
		count = int(n)
	}
	day := w.now().UTC()
	posts := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		d := day.AddDate(0, 0, i+1)
		posts = append(posts, map[string]any{"date": d.Format(time.DateOnly), "time": postingTimes[d.Weekday()]})
	}
	return map[string]any{"posts": posts}, nil
}

func prepareCampaignPosts(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	data := mapParam(task, "campaign_data")
	res, err := schedulePosts(ctx, w, task)
	if err != nil {
		return nil, err
	}
	res["campaign_data"] = data
	return res, nil
}

// crm-agent

func registerClient(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	data := mapParam(task, "client_data")
	name, _ := data["name"].(string)
	if name == "" {
		return nil, invalid("client_data.name is required")
	}
	id := uuid.NewString()
	record := map[string]any{"client_id": id}
	for k, v := range data {
		record[k] = v
	}
	w.Remember(ctx, memory.Semantic, "client:"+id, record)
	w.Publish(ctx, EventNewClient, map[string]any{"client_id": id, "name": name})
	return map[string]any{"client_id": id, "name": name}, nil
}

func findClient(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	name := task.String("name")
	if name == "" {
		return nil, invalid("name is required")
	}
	found, err := w.Recall(ctx, memory.Semantic, map[string]any{"name": name}, 10)
	if err != nil {
		return nil, err
	}
	clients := make([]map[string]any, 0, len(found))
	for _, e := range found {
		clients = append(clients, e.Data)
	}
	return map[string]any{"clients": clients}, nil
}

func segmentAudience(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	data := mapParam(task, "campaign_data")
	segment := "all_clients"
	if s, ok := data["service_type"].(string); ok && s != "" {
		segment = "interested_in_" + s
	}
	return map[string]any{"segment": segment}, nil
}

// calendar-agent

func scheduleConsultation(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	data := mapParam(task, "client_data")
	name, _ := data["name"].(string)
	if name == "" {
		return nil, invalid("client_data.name is required")
	}
	at := nextBusinessMorning(w.now().UTC())
	w.Publish(ctx, EventSessionScheduled, map[string]any{"client_name": name, "scheduled_at": at.Format(time.RFC3339)})
	return map[string]any{"client_name": name, "scheduled_at": at.Format(time.RFC3339)}, nil
}

func nextBusinessMorning(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day()+1, 10, 0, 0, 0, time.UTC)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// finance-agent

func createInvoice(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	amount, ok := task.Float("amount")
	if !ok || amount <= 0 {
		return nil, invalid("amount must be a positive number")
	}
	client := stringOr(task, "client_name", "unknown")
	id := fmt.Sprintf("inv_%s", w.now().UTC().Format("20060102_150405"))
	w.Remember(ctx, memory.Episodic, id, map[string]any{"client_name": client, "amount": amount})
	w.Publish(ctx, EventInvoiceIssued, map[string]any{"invoice_id": id, "client_name": client, "amount": amount})
	return map[string]any{"invoice_id": id, "amount": amount}, nil
}

// task-agent

func createTask(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	title := task.String("title")
	if title == "" {
		return nil, invalid("title is required")
	}
	id := uuid.NewString()
	w.Remember(ctx, memory.Procedural, "todo:"+id, map[string]any{"title": title, "done": false})
	return map[string]any{"todo_id": id, "title": title}, nil
}

func completeTask(ctx context.Context, w *Worker, task core.Task) (map[string]any, error) {
	id := task.String("todo_id")
	if id == "" {
		return nil, invalid("todo_id is required")
	}
	e, err := w.Fetch(ctx, memory.Procedural, "todo:"+id)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, invalid("unknown todo %q", id)
	}
	if err != nil {
		return nil, err
	}
	record := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		record[k] = v
	}
	record["todo_id"] = id
	record["done"] = true
	w.Remember(ctx, memory.Procedural, "todo:"+id, record)
	return record, nil
}
