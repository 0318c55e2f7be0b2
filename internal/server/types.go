package server

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type RunRequest struct {
	ScenarioIDs []string `json:"scenario_ids"`
	Mode        string   `json:"mode,omitempty"`
	AgentType   string   `json:"agent_type,omitempty"`
	Turns       int      `json:"turns,omitempty"`
}

type BatchRequest struct {
	ScenarioIDs []string `json:"scenario_ids,omitempty"`
	AgentType   string   `json:"agent_type,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	Turns       int      `json:"turns,omitempty"`
}
