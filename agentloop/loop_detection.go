package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// toolCallSignature is the tool name plus a hash of its arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns up to count signatures of the latest tool calls,
// oldest first.
func recentSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		turn := history[i]
		if turn.Kind != TurnAssistant {
			continue
		}
		for j := len(turn.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := turn.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := recentSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		match := true
		for i := patternLen; i < windowSize && match; i++ {
			match = sigs[i] == sigs[i%patternLen]
		}
		if match {
			return true
		}
	}
	return false
}
