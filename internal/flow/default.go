package flow

// DefaultFlowName is the flow tasks fall back to when neither the task
// nor its project names one.
const DefaultFlowName = "default"

// DefaultFlowDocument is the flow shipped in code. Registering a flow
// named "default" overrides it.
const DefaultFlowDocument = `name: default
states:
  - incoming
  - claimed
  - provisional
  - done
  - failed
lease_states:
  - claimed
transitions:
  - from: incoming
    to: claimed
    agent: implementer
  - from: claimed
    to: provisional
    agent: implementer
  - from: provisional
    to: done
    agent: reviewer
    conditions:
      - type: agent
        on_fail: incoming
    runs:
      - push_branch
      - create_pr
  - from: provisional
    to: incoming
    agent: reviewer
  - from: claimed
    to: failed
    agent: implementer
`

// Default returns the parsed built-in flow. It is validated at build
// time by the package tests.
func Default() (*Definition, error) {
	return Parse([]byte(DefaultFlowDocument))
}
