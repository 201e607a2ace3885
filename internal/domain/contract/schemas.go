package contract

// Built-in JSON Schemas, keyed by payload type.
var builtin = map[string]string{
	ChatText: `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string"}}
	}`,
	TaskRequest: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"instructions": {"type": "string"},
			"input": {"type": "object"}
		}
	}`,
	TaskAccept: `{
		"type": "object",
		"required": ["agent_id"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"estimated_sec": {"type": "number", "minimum": 0}
		}
	}`,
	TaskProgress: `{
		"type": "object",
		"required": ["percent"],
		"properties": {
			"percent": {"type": "number", "minimum": 0, "maximum": 100},
			"note": {"type": "string"}
		}
	}`,
	TaskResult: `{
		"type": "object",
		"properties": {
			"summary": {"type": "string"},
			"artifacts": {"type": "array", "items": {"type": "string"}},
			"cost_usd": {"type": "number", "minimum": 0},
			"tokens": {"type": "number", "minimum": 0},
			"runtime_ms": {"type": "number", "minimum": 0}
		}
	}`,
	TaskError: `{
		"type": "object",
		"required": ["code"],
		"properties": {
			"code": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"retryable": {"type": "boolean"}
		}
	}`,
	TaskCancel: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	ToolCall: `{
		"type": "object",
		"required": ["tool"],
		"properties": {
			"tool": {"type": "string", "minLength": 1},
			"arguments": {"type": "object"}
		}
	}`,
	TaskTimeout: `{
		"type": "object",
		"properties": {
			"timeout_sec": {"type": "number", "minimum": 0},
			"reason": {"type": "string"}
		}
	}`,
	ToolResult: `{
		"type": "object",
		"required": ["tool"],
		"properties": {"tool": {"type": "string", "minLength": 1}}
	}`,
	ToolError: `{
		"type": "object",
		"required": ["tool", "message"],
		"properties": {
			"tool": {"type": "string", "minLength": 1},
			"message": {"type": "string"}
		}
	}`,
	RoutingDecision: `{
		"type": "object",
		"required": ["agent_id", "score"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"score": {"type": "number"},
			"candidates": {"type": "array"}
		}
	}`,
	RoutingFailure: `{
		"type": "object",
		"required": ["reason"],
		"properties": {
			"reason": {"type": "string", "minLength": 1},
			"role": {"type": "string"},
			"requires": {"type": "array", "items": {"type": "string"}},
			"prefers": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	AgentCard: `{
		"type": "object",
		"required": ["agent_id"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"roles": {"type": "array", "items": {"type": "string"}},
			"capabilities": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"tags": {"type": "array", "items": {"type": "string"}},
						"tools": {"type": "array", "items": {"type": "string"}}
					}
				}
			},
			"limits": {
				"type": "object",
				"properties": {
					"max_concurrency": {"type": "number", "minimum": 0},
					"max_cost": {"type": "number", "minimum": 0},
					"max_tokens": {"type": "number", "minimum": 0},
					"max_runtime_sec": {"type": "number", "minimum": 0}
				}
			}
		}
	}`,
	AgentUpdate: `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"roles": {"type": "array", "items": {"type": "string"}},
			"capabilities": {"type": "array"},
			"limits": {"type": "object"},
			"security": {"type": "object"}
		}
	}`,
	AgentHeartbeat: `{
		"type": "object",
		"properties": {
			"metrics": {
				"type": "object",
				"properties": {
					"tasks_completed": {"type": "number", "minimum": 0},
					"tasks_failed": {"type": "number", "minimum": 0},
					"avg_runtime_ms": {"type": "number", "minimum": 0},
					"total_cost": {"type": "number", "minimum": 0}
				}
			}
		}
	}`,
	WorkflowEvent: `{
		"type": "object",
		"required": ["kind", "workflow_id", "task_id"],
		"properties": {
			"kind": {"type": "string", "minLength": 1},
			"workflow_id": {"type": "string"},
			"task_id": {"type": "string"}
		}
	}`,
}
