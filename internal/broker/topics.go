package broker

// responseTopics is the static request-topic to response-topic bijection
// from §6. Every request topic MUST have exactly one response topic.
var responseTopics = map[string]string{
	"modelservice/health/request":      "modelservice/health/response",
	"modelservice/completions/request": "modelservice/completions/response",
	"modelservice/embeddings/request":  "modelservice/embeddings/response",
	"modelservice/models/request":      "modelservice/models/response",
	"modelservice/ner/request":         "modelservice/ner/response",
	"ollama/status/request":            "ollama/status/response",
	"ollama/models/pull/request":       "ollama/models/pull/response",
}

// ResponseTopic resolves a request topic to its response topic. ok is false
// when the topic is not in the static mapping (UnmappedTopic).
func ResponseTopic(requestTopic string) (string, bool) {
	t, ok := responseTopics[requestTopic]
	return t, ok
}
