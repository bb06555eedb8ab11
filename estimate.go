package creditledger

// EstimateTokens provides a rough token count estimate for a payload.
// Uses the approximation: ~4 chars per token + overhead per context part.
func EstimateTokens(p Payload) int64 {
	var total int64
	// ~4 chars per token
	total += int64(len(p.Prompt)) / 4
	total += int64(len(p.SystemInstruction)) / 4
	for _, c := range p.Context {
		total += int64(len(c)) / 4
		// overhead per part (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// EstimateUsage returns the expected usage of action on payload.
func EstimateUsage(actions map[Action]ActionConfig, action Action, p Payload) Usage {
	ac := actions[action]
	return Usage{
		InputTokens:   EstimateTokens(p),
		OutputTokens:  ac.OutputTokens,
		ThoughtTokens: ac.ThoughtTokens,
	}
}
