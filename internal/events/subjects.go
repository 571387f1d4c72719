package events

const (
	SubjectRouterStats = "route.router.stats"

	StreamName   = "ROUTER_EVENTS"
	StreamMaxAge = "720h" // 30 days
)

func SubjectTaskSubmitted(taskID string) string { return "route.task." + taskID + ".submitted" }
func SubjectTaskAssigned(taskID string) string  { return "route.task." + taskID + ".assigned" }
func SubjectTaskStarted(taskID string) string   { return "route.task." + taskID + ".started" }
func SubjectTaskCompleted(taskID string) string { return "route.task." + taskID + ".completed" }
func SubjectTaskFailed(taskID string) string    { return "route.task." + taskID + ".failed" }
func SubjectTaskRetry(taskID string) string     { return "route.task." + taskID + ".retry" }
func SubjectTaskCancelled(taskID string) string { return "route.task." + taskID + ".cancelled" }
func SubjectTaskTimeout(taskID string) string   { return "route.task." + taskID + ".timeout" }

func SubjectBreakerOpened(agentID string) string { return "route.agent." + agentID + ".breaker_opened" }
func SubjectBreakerClosed(agentID string) string { return "route.agent." + agentID + ".breaker_closed" }

func SubjectExperimentCreated(expID string) string { return "route.experiment." + expID + ".created" }
func SubjectExperimentStopped(expID string) string { return "route.experiment." + expID + ".stopped" }
func SubjectExperimentCompleted(expID string) string {
	return "route.experiment." + expID + ".completed"
}

func SubjectEvaluationRecorded(evalID string) string { return "route.eval." + evalID + ".recorded" }
