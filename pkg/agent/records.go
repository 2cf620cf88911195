package agent

import (
	"encoding/json"
	"strings"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

// ParsedRecords is the structured outcome of one extraction call.
type ParsedRecords struct {
	Observations []memory.Observation
	Summary      *memory.Summary
}

type observationPayload struct {
	Kind  string   `json:"kind"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Files []string `json:"files"`
}

type observationEnvelope struct {
	Observations []observationPayload `json:"observations"`
}

type summaryPayload struct {
	Request string `json:"request"`
	Outcome string `json:"outcome"`
	Learned string `json:"learned"`
}

// ParseRecords turns a model response into records for msg. Models are asked
// for fenced JSON but drift into prose, so parsing is tolerant: the first
// JSON value found anywhere in the response is used, and a response with no
// usable JSON degrades to a single free-text record instead of failing the
// message.
func ParseRecords(msg *memory.PendingMessage, memorySessionID, project, response string) ParsedRecords {
	now := memory.NowMillis()

	if msg.Kind == memory.KindSummarize {
		return parseSummary(msg, memorySessionID, project, response, now)
	}
	return parseObservations(msg, memorySessionID, project, response, now)
}

func parseObservations(msg *memory.PendingMessage, memorySessionID, project, response string, now int64) ParsedRecords {
	var payloads []observationPayload

	if raw, ok := extractJSON(response); ok {
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "[") {
			_ = json.Unmarshal([]byte(trimmed), &payloads)
		} else {
			var env observationEnvelope
			if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Observations != nil {
				payloads = env.Observations
			} else {
				var single observationPayload
				if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Title != "" {
					payloads = []observationPayload{single}
				}
			}
		}
	} else if text := strings.TrimSpace(response); text != "" {
		// Free-text degrade: keep the response as one untyped observation.
		return ParsedRecords{Observations: []memory.Observation{{
			SessionID:       msg.SessionID,
			MemorySessionID: memorySessionID,
			Project:         project,
			Kind:            "note",
			Title:           utils.Truncate(utils.FirstLine(text), 120),
			Body:            text,
			CreatedAtEpoch:  now,
		}}}
	}

	var out ParsedRecords
	for _, p := range payloads {
		if p.Title == "" {
			continue
		}
		out.Observations = append(out.Observations, memory.Observation{
			SessionID:       msg.SessionID,
			MemorySessionID: memorySessionID,
			Project:         project,
			Kind:            p.Kind,
			Title:           p.Title,
			Body:            p.Body,
			Files:           strings.Join(p.Files, "\n"),
			CreatedAtEpoch:  now,
		})
	}
	return out
}

func parseSummary(msg *memory.PendingMessage, memorySessionID, project, response string, now int64) ParsedRecords {
	sum := &memory.Summary{
		SessionID:       msg.SessionID,
		MemorySessionID: memorySessionID,
		Project:         project,
		CreatedAtEpoch:  now,
	}

	if raw, ok := extractJSON(response); ok {
		var p summaryPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err == nil &&
			(p.Request != "" || p.Outcome != "" || p.Learned != "") {
			sum.Request = p.Request
			sum.Outcome = p.Outcome
			sum.Learned = p.Learned
			return ParsedRecords{Summary: sum}
		}
	}

	text := strings.TrimSpace(response)
	if text == "" {
		return ParsedRecords{}
	}
	sum.Outcome = text
	return ParsedRecords{Summary: sum}
}

// extractJSON returns the first JSON value found in text. Fenced blocks are
// preferred; otherwise the decoder is started at each brace or bracket until
// one yields a complete value.
func extractJSON(text string) (string, bool) {
	if block, ok := fencedBlock(text); ok {
		return block, true
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return string(raw), true
		}
	}
	return "", false
}

// fencedBlock returns the contents of the first ``` fence whose body is a
// JSON value.
func fencedBlock(text string) (string, bool) {
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", false
		}
		rest = rest[start+3:]

		// Skip the optional language tag line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}

		end := strings.Index(rest, "```")
		if end < 0 {
			return "", false
		}

		body := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return body, true
		}
		rest = rest[end+3:]
	}
}
