package pipeline

import "strings"

// End-intent detection flags messages that read like a goodbye so the
// session layer can wind down gracefully instead of waiting for silence.

var exactFarewells = []string{
	"bye", "goodbye", "bye bye", "see you", "good night", "goodnight",
	"再见", "拜拜", "晚安", "下次再聊", "我走了",
}

var strongFarewells = []string{
	"talk to you later", "i have to go", "i need to go", "gotta go",
	"time to sleep", "going to bed",
	"我要走了", "我得走了", "先这样", "去睡了", "该睡了",
}

var farewellKeywords = []string{
	"later", "tomorrow", "next time", "sleep",
	"明天", "回头", "睡觉",
}

// DetectEndIntent returns whether the message looks like a farewell and a
// confidence in [0, 1]. Exact farewells score 1.0, embedded strong phrases
// 0.9, exact phrases inside longer text 0.7, bare keywords 0.4.
func DetectEndIntent(text string) (bool, float64) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Trim(normalized, ".!?。！？~")
	if normalized == "" {
		return false, 0
	}

	for _, phrase := range exactFarewells {
		if normalized == phrase {
			return true, 1.0
		}
	}
	for _, phrase := range strongFarewells {
		if strings.Contains(normalized, phrase) {
			return true, 0.9
		}
	}
	for _, phrase := range exactFarewells {
		if strings.Contains(normalized, phrase) {
			return true, 0.7
		}
	}
	for _, kw := range farewellKeywords {
		if strings.Contains(normalized, kw) {
			return false, 0.4
		}
	}
	return false, 0
}
