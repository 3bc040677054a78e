package keypool

import "strings"

// splitBatchInput splits on the first separator found, in precedence
// order ';', ',', then newline, trimming whitespace and dropping empty
// tokens, per spec §6.2's batch_search contract.
func splitBatchInput(input string) []string {
	var raw []string
	switch {
	case strings.Contains(input, ";"):
		raw = strings.Split(input, ";")
	case strings.Contains(input, ","):
		raw = strings.Split(input, ",")
	default:
		raw = strings.Split(input, "\n")
	}

	var tokens []string
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func indexOf(list []string, target string) int {
	for i, v := range list {
		if v == target {
			return i
		}
	}
	return -1
}

func computeTriggerThreshold(batchLen int, ratio float64) int {
	t := int(float64(batchLen) * ratio)
	if t < 1 {
		t = 1
	}
	return t
}
