// seed_tasks.go submits a batch of demo tasks through the Switchyard API,
// optionally pinned to an experiment.
//
// Usage:
//
//	go run scripts/seed_tasks.go -api http://localhost:8700 -count 20 -experiment <uuid>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
)

type taskRequest struct {
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	ExperimentID string   `json:"experiment_id,omitempty"`
}

var samples = []taskRequest{
	{Description: "Summarize last week's incident report", Strategy: "capability_match"},
	{Description: "Translate the onboarding guide to French", Strategy: "performance_based"},
	{Description: "Write a function to deduplicate a list of emails", Strategy: "capability_match"},
	{Description: "Analyze the churn dataset and report the top three drivers"},
	{Description: "Find the latest release notes for the payments service", Strategy: "cost_optimized"},
	{Description: "Draw a diagram of the deployment pipeline"},
	{Description: "Plan a step by step migration off the legacy queue", Strategy: "round_robin"},
	{Description: "Draft a reply to the customer asking about data retention"},
}

func main() {
	apiURL := flag.String("api", "http://localhost:8700", "Switchyard API base URL")
	count := flag.Int("count", len(samples), "number of tasks to submit")
	experimentID := flag.String("experiment", "", "experiment id to pin tasks to")
	flag.Parse()

	client := &http.Client{}
	submitted := 0
	for i := 0; i < *count; i++ {
		req := samples[i%len(samples)]
		req.ExperimentID = *experimentID

		body, err := json.Marshal(req)
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}
		resp, err := client.Post(*apiURL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("post: %v", err)
		}
		if resp.StatusCode != http.StatusCreated {
			log.Printf("task %d rejected with status %d", i, resp.StatusCode)
			resp.Body.Close()
			continue
		}
		var created struct {
			TaskID string `json:"task_id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&created)
		resp.Body.Close()
		fmt.Printf("submitted %s: %s\n", created.TaskID, req.Description)
		submitted++
	}
	fmt.Printf("done: %d/%d tasks submitted\n", submitted, *count)
}
