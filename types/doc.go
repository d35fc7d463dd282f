// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type definitions of the AgentHive engine.

# Overview

types is the lowest-level public package and depends on no internal package.
It supplies the unified type contracts for the task, routing, incentive,
decision, evolution, and coordinator modules. Interfaces, structs, and error
codes shared across packages live here to avoid circular imports.

# Core interfaces and types

  - Evaluator          — workflow state valuation contract ([0,1] values)
  - Executor           — minimal agent execution contract (ID + ExecuteTask)
  - Retriever          — ranked passage retrieval contract (opaque passthrough)
  - Named              — optional display-name interface for executors
  - ExecutionResult    — result payload + quality signal in [-1,1]
  - Passage            — one ranked retrieval result
  - Error / ErrorCode  — structured error taxonomy with HTTP status and
    Retryable marks

# Main capabilities

  - Context propagation: WithTraceID / WithRequestID / WithTaskID / WithAgentID
  - Error tool chain: IsCode / IsRetryable / GetErrorCode
  - Common error constructors: NewInvalidTaskError / NewNoAgentAvailableError /
    NewDecisionUnavailableError / NewTimeoutError
*/
package types
