package types

// SweepSummary is the result of one sweep pass, returned to the trigger
// caller for monitoring.
type SweepSummary struct {
	Processed int      `json:"processed"`
	Swept     int      `json:"swept"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// ScheduleSummary is the result of one scheduling pass.
type ScheduleSummary struct {
	OrdersProcessed int      `json:"orders_processed"`
	OrdersStarted   int      `json:"orders_started"`
	OrdersCompleted int      `json:"orders_completed"`
	TasksExecuted   int      `json:"tasks_executed"`
	TasksFailed     int      `json:"tasks_failed"`
	Errors          []string `json:"errors,omitempty"`
}

// CostQuote is the computed price of an order configuration.
type CostQuote struct {
	TasksCount  int    `json:"tasks_count"`
	CostPerTask uint64 `json:"cost_per_task"`
	TotalCost   uint64 `json:"total_cost"`
}
